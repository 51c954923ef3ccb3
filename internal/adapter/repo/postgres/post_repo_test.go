package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedfolnir/vedfolnir/internal/adapter/repo/postgres"
	"github.com/vedfolnir/vedfolnir/internal/domain"
)

func TestPostRepo_Create_Get_FindByPlatformPostID_UpdateStatus(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewPostRepo(m)
	ctx := context.Background()

	m.ExpectExec("INSERT INTO posts").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	id, err := repo.Create(ctx, domain.Post{
		PlatformConnectionID: "c1", PlatformPostID: "p1", PlatformPostURL: "https://example.social/p/1", AuthorID: "a1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	fixed := time.Now().UTC()
	cols := []string{"id", "platform_connection_id", "platform_post_id", "platform_post_url", "author_id", "content", "status", "created_at", "updated_at"}
	rows := pgxmock.NewRows(cols).AddRow(id, "c1", "p1", "https://example.social/p/1", "a1", "", string(domain.PostPending), fixed, fixed)
	m.ExpectQuery(`SELECT .* FROM posts WHERE id=\$1`).WithArgs(id).WillReturnRows(rows)
	p, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "p1", p.PlatformPostID)

	rows2 := pgxmock.NewRows(cols).AddRow(id, "c1", "p1", "https://example.social/p/1", "a1", "", string(domain.PostPending), fixed, fixed)
	m.ExpectQuery(`SELECT .* FROM posts WHERE platform_connection_id=\$1 AND platform_post_id=\$2`).
		WithArgs("c1", "p1").WillReturnRows(rows2)
	p2, err := repo.FindByPlatformPostID(ctx, "c1", "p1")
	require.NoError(t, err)
	assert.Equal(t, id, p2.ID)

	m.ExpectExec("UPDATE posts SET status").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, repo.UpdateStatus(ctx, id, domain.PostCompleted))
}

func TestPostRepo_FindByPlatformPostID_NotFound(t *testing.T) {
	t.Parallel()
	m, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer m.Close()
	repo := postgres.NewPostRepo(m)
	ctx := context.Background()

	m.ExpectQuery(`SELECT .* FROM posts WHERE platform_connection_id=\$1 AND platform_post_id=\$2`).
		WithArgs("c1", "missing").WillReturnError(pgx.ErrNoRows)
	_, err = repo.FindByPlatformPostID(ctx, "c1", "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
