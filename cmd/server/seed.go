package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	httpserver "github.com/vedfolnir/vedfolnir/internal/adapter/httpserver"
	"github.com/vedfolnir/vedfolnir/internal/adapter/repo/postgres"
	"github.com/vedfolnir/vedfolnir/internal/config"
	"github.com/vedfolnir/vedfolnir/internal/domain"
)

// seedUser creates the first operator account so there is a username and
// password to exchange at POST /v1/auth/login before any UI exists to
// self-register one. Invoked via: go run ./cmd/server -seed-user -username=... -password=...
func seedUser(ctx context.Context, cfg config.Config, username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("seed-user: both -username and -password are required")
	}

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("seed-user: %w", err)
	}
	defer pool.Close()

	hash, err := httpserver.HashPassword(password, httpserver.Argon2Params{
		Memory: 64 * 1024, Iterations: 3, Parallelism: 2, SaltLen: 16, KeyLen: 32,
	})
	if err != nil {
		return fmt.Errorf("seed-user: %w", err)
	}

	users := postgres.NewUserRepo(pool)
	id, err := users.Create(ctx, domain.User{Username: username, PasswordHash: hash, IsAdmin: true})
	if err != nil {
		return fmt.Errorf("seed-user: %w", err)
	}
	slog.Info("seeded operator account", slog.String("user_id", id), slog.String("username", username))
	return nil
}

// runSeedCommand parses the -seed-user flags and, when set, runs
// seedUser and exits instead of starting the HTTP server.
func runSeedCommand(cfg config.Config) (handled bool) {
	seedFlag := flag.NewFlagSet("seed-user", flag.ExitOnError)
	doSeed := seedFlag.Bool("seed-user", false, "create an operator account and exit")
	username := seedFlag.String("username", "", "username for the seeded account")
	password := seedFlag.String("password", "", "password for the seeded account")
	_ = seedFlag.Parse(os.Args[1:])

	if !*doSeed {
		return false
	}
	if err := seedUser(context.Background(), cfg, *username, *password); err != nil {
		slog.Error("seed-user failed", slog.Any("error", err))
		os.Exit(1)
	}
	return true
}
