package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/vedfolnir/vedfolnir/internal/broadcaster"
	"github.com/vedfolnir/vedfolnir/internal/config"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/imageproc"
	"github.com/vedfolnir/vedfolnir/internal/platform"
	"github.com/vedfolnir/vedfolnir/internal/ratelimiter"
	"github.com/vedfolnir/vedfolnir/internal/sessionscope"
	"github.com/vedfolnir/vedfolnir/pkg/textx"
)

// IngestDeps bundles the repositories and adapters a Scheduler needs to
// carry a ProcessingRun from Enqueue through the per-post/per-image
// discovery loop that dispatches individual caption generation tasks.
type IngestDeps struct {
	Runs     domain.ProcessingRunRepository
	Posts    domain.PostRepository
	Images   domain.ImageRepository
	Tasks    domain.CaptionTaskRepository
	Conns    domain.PlatformConnectionRepository
	Queue    domain.Queue
	Factory  *platform.Factory
	Proc     *imageproc.Processor
	Limiter  ratelimiter.Limiter
	Hub      *broadcaster.Hub
	Pool     *pgxpool.Pool
}

// Scheduler is the in-process dispatcher for ProcessingRuns: Enqueue
// validates the one-active-run-per-user invariant, opens the run row,
// and pushes its id onto a buffered channel; a fixed pool of goroutines
// drains the channel and drives ingestion to completion. This is
// distinct from Queue/Worker above, which dispatch the individual
// per-image caption tasks this loop creates.
type Scheduler struct {
	deps       IngestDeps
	cfg        config.Config
	runCh      chan string
	cancels    sync.Map // runID -> context.CancelFunc
	wg         sync.WaitGroup
	backoffCfg struct {
		maxElapsed, initial, max time.Duration
		multiplier               float64
	}
}

// NewScheduler builds a Scheduler bound to deps and sized per cfg.
func NewScheduler(deps IngestDeps, cfg config.Config) *Scheduler {
	size := cfg.SchedulerQueueSize
	if size <= 0 {
		size = 64
	}
	s := &Scheduler{deps: deps, cfg: cfg, runCh: make(chan string, size)}
	maxElapsed, initial, maxInterval, multiplier := cfg.GetRetryBackoffConfig()
	s.backoffCfg.maxElapsed = maxElapsed
	s.backoffCfg.initial = initial
	s.backoffCfg.max = maxInterval
	s.backoffCfg.multiplier = multiplier
	return s
}

// Start launches the fixed-size worker pool; it returns immediately and
// workers run until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	n := s.cfg.SchedulerMaxConcurrentTasks
	if n <= 0 {
		n = 4
	}
	for i := 0; i < n; i++ {
		s.wg.Add(1)
		go s.loop(ctx)
	}
}

// Stop waits for in-flight runs to observe ctx cancellation and return.
func (s *Scheduler) Stop() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case runID, ok := <-s.runCh:
			if !ok {
				return
			}
			s.processRun(ctx, runID)
		}
	}
}

// Enqueue validates that userID has no other active run, opens a new
// ProcessingRun row, and pushes its id onto the dispatch channel. It
// never blocks longer than the validation round trip: if the channel is
// full the run stays queued in Postgres and Reconcile picks it up on
// the next sweep.
func (s *Scheduler) Enqueue(ctx context.Context, userID, platformConnectionID string) (string, error) {
	tracer := otel.Tracer("scheduler")
	ctx, span := tracer.Start(ctx, "Scheduler.Enqueue")
	defer span.End()

	active, err := s.deps.Runs.ActiveForUser(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("op=scheduler.Enqueue: %w", err)
	}
	if active != nil {
		return "", fmt.Errorf("op=scheduler.Enqueue: user already has processing run %s: %w", active.ID, domain.ErrConflict)
	}

	conn, err := s.deps.Conns.Get(ctx, platformConnectionID)
	if err != nil {
		return "", fmt.Errorf("op=scheduler.Enqueue: %w", err)
	}
	if conn.UserID != userID {
		return "", fmt.Errorf("op=scheduler.Enqueue: connection does not belong to user: %w", domain.ErrInvalidArgument)
	}
	if !conn.IsActive {
		return "", fmt.Errorf("op=scheduler.Enqueue: connection is deactivated: %w", domain.ErrInvalidArgument)
	}

	runID, err := s.deps.Runs.Create(ctx, domain.ProcessingRun{UserID: userID, PlatformConnectionID: platformConnectionID, Status: domain.RunQueued})
	if err != nil {
		return "", fmt.Errorf("op=scheduler.Enqueue: %w", err)
	}

	select {
	case s.runCh <- runID:
	default:
		slog.Warn("scheduler dispatch channel full, run stays queued for reconciliation", slog.String("run_id", runID))
	}
	return runID, nil
}

// Cancel requests cancellation of a run, authorised for the run's whole
// cancellable window - queued or running, not just while its
// processRun goroutine is still actively discovering posts. A run still
// in the discovery loop is also signalled via its context.CancelFunc so
// it stops dispatching further posts immediately; either way the run
// row is marked cancelled here and any caption task dispatched for it
// that hasn't started is cancelled too, so a worker never claims it.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	run, err := s.deps.Runs.Get(ctx, runID)
	if err != nil {
		return fmt.Errorf("op=scheduler.Cancel: %w", err)
	}
	if run.Status != domain.RunQueued && run.Status != domain.RunRunning {
		return fmt.Errorf("op=scheduler.Cancel: run %s is %s, not cancellable: %w", runID, run.Status, domain.ErrConflict)
	}

	if cancel, ok := s.cancels.Load(runID); ok {
		cancel.(context.CancelFunc)()
	}

	if err := s.deps.Runs.UpdateStatus(ctx, runID, domain.RunCancelled, nil); err != nil {
		return fmt.Errorf("op=scheduler.Cancel: %w", err)
	}
	s.cancelPendingTasks(ctx, runID)
	s.publish(runID, broadcaster.Event{Type: broadcaster.EventFailed, TaskID: runID, Message: "cancelled"})
	return nil
}

// cancelPendingTasks cancels every caption task dispatched for runID
// that a worker hasn't finished yet, so an already-claimed-but-running
// task still completes (the worker checks run status itself before
// publishing further progress) while anything still queued is stopped
// before it ever reaches the vision model.
func (s *Scheduler) cancelPendingTasks(ctx context.Context, runID string) {
	tasks, err := s.deps.Tasks.ListByRun(ctx, runID)
	if err != nil {
		slog.Warn("failed to list caption tasks while cancelling run", slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	for _, t := range tasks {
		if t.Status != domain.TaskQueued && t.Status != domain.TaskRunning {
			continue
		}
		if err := s.deps.Tasks.Cancel(ctx, t.ID); err != nil {
			slog.Warn("failed to cancel caption task", slog.String("task_id", t.ID), slog.Any("error", err))
		}
	}
}

// Status returns the current ProcessingRun row.
func (s *Scheduler) Status(ctx context.Context, runID string) (domain.ProcessingRun, error) {
	return s.deps.Runs.Get(ctx, runID)
}

// Reconcile re-queues runs left RunRunning by a crashed scheduler
// process, called once at boot before Start, mirroring
// Reconciler.ReconcileOnce for caption tasks.
func (s *Scheduler) Reconcile(ctx context.Context) (int, error) {
	ids, err := s.deps.Runs.ResetStuckRunning(ctx, s.cfg.SchedulerStuckThreshold)
	if err != nil {
		return 0, fmt.Errorf("op=scheduler.Reconcile: %w", err)
	}
	for _, id := range ids {
		select {
		case s.runCh <- id:
		default:
			slog.Warn("reconciled run could not be re-queued, channel full", slog.String("run_id", id))
		}
	}
	if len(ids) > 0 {
		slog.Info("reconciled stuck processing runs", slog.Int("count", len(ids)))
	}
	return len(ids), nil
}

// processRun drives one ProcessingRun end to end: bind a session and a
// cancellable context, fetch the connection's posts, discover images
// missing alt-text, and dispatch a CaptionGenerationTask for each.
func (s *Scheduler) processRun(ctx context.Context, runID string) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancels.Store(runID, cancel)
	defer func() {
		s.cancels.Delete(runID)
		cancel()
	}()

	tracer := otel.Tracer("scheduler")
	runCtx, span := tracer.Start(runCtx, "Scheduler.processRun")
	defer span.End()

	if s.deps.Pool != nil {
		if sess, err := sessionscope.Begin(runCtx, s.deps.Pool); err == nil {
			runCtx = sessionscope.With(runCtx, sess)
			defer sess.Close()
		}
	}

	run, err := s.deps.Runs.Get(runCtx, runID)
	if err != nil {
		slog.Error("processRun: failed to load run", slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	if run.Status == domain.RunCancelled {
		return
	}
	if err := s.deps.Runs.UpdateStatus(runCtx, runID, domain.RunRunning, nil); err != nil {
		slog.Error("processRun: failed to mark running", slog.String("run_id", runID), slog.Any("error", err))
		return
	}

	conn, err := s.deps.Conns.Get(runCtx, run.PlatformConnectionID)
	if err != nil {
		s.fail(runCtx, runID, err)
		return
	}

	adapter, err := s.deps.Factory.For(runCtx, conn)
	if err != nil {
		s.fail(runCtx, runID, err)
		return
	}

	if err := s.waitForRateLimit(runCtx, string(conn.PlatformType), "statuses"); err != nil {
		s.fail(runCtx, runID, err)
		return
	}

	pageSize := s.cfg.IngestPageLimit
	if pageSize <= 0 {
		pageSize = 40
	}
	posts, err := adapter.FetchUserPosts(runCtx, conn, "", pageSize)
	if err != nil {
		s.fail(runCtx, runID, err)
		return
	}

	postsProcessed, imagesProcessed, tasksDispatched := 0, 0, 0
	for _, np := range posts {
		if runCtx.Err() != nil {
			break
		}
		n, err := s.processPost(runCtx, run, conn, np)
		if err != nil {
			slog.Warn("processRun: post failed, continuing with next post",
				slog.String("run_id", runID), slog.String("platform_post_id", np.PlatformPostID), slog.Any("error", err))
			continue
		}
		postsProcessed++
		imagesProcessed += n
		tasksDispatched += n
		_ = s.deps.Runs.UpdateProgress(runCtx, runID, postsProcessed, imagesProcessed, 0)
		s.publish(runID, broadcaster.Event{Type: broadcaster.EventProgress, TaskID: runID, PostsProcessed: postsProcessed, ImagesProcessed: imagesProcessed})
	}

	if runCtx.Err() != nil {
		_ = s.deps.Runs.UpdateStatus(ctx, runID, domain.RunCancelled, nil)
		s.publish(runID, broadcaster.Event{Type: broadcaster.EventFailed, TaskID: runID, Message: "cancelled"})
		return
	}

	if tasksDispatched == 0 {
		_ = s.deps.Runs.UpdateStatus(ctx, runID, domain.RunCompleted, nil)
		s.publish(runID, broadcaster.Event{Type: broadcaster.EventCompleted, TaskID: runID, Message: "no images required captioning"})
		return
	}
	// The run stays "running" until the dispatched caption tasks finish;
	// scheduler.Worker.maybeCompleteRun transitions it to completed or
	// failed once every task dispatched here has reached a terminal state.
}

// processPost creates (or reuses) the Post row for np, then finds
// attachments missing alt-text and dispatches a caption task for each,
// reusing an already-captioned image's caption via content-hash dedup
// when one exists instead of re-running the vision model.
func (s *Scheduler) processPost(ctx context.Context, run domain.ProcessingRun, conn domain.PlatformConnection, np domain.NormalizedPost) (int, error) {
	postID, err := s.deps.Posts.Create(ctx, domain.Post{
		PlatformConnectionID: conn.ID,
		PlatformPostID:       np.PlatformPostID,
		PlatformPostURL:      np.URL,
		AuthorID:             np.AuthorID,
		Content:              np.Content,
		Status:               domain.PostPending,
	})
	if err != nil {
		return 0, fmt.Errorf("op=scheduler.processPost: %w", err)
	}

	existing, err := s.deps.Images.ListByPost(ctx, postID)
	if err != nil {
		return 0, fmt.Errorf("op=scheduler.processPost: %w", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, img := range existing {
		seen[img.OriginalURL] = true
	}

	dispatched := 0
	for _, att := range np.Attachments {
		if !textx.IsMeaningless(att.AltText) || seen[att.URL] {
			continue
		}

		result, err := s.deps.Proc.Fetch(ctx, att.URL)
		if err != nil {
			slog.Warn("processPost: image fetch failed, skipping attachment",
				slog.String("post_id", postID), slog.String("url", att.URL), slog.Any("error", err))
			continue
		}

		if reused, err := s.deps.Images.GetByContentHash(ctx, result.ContentHash); err == nil && reused.GeneratedCaption != "" {
			imgID, err := s.deps.Images.Create(ctx, domain.Image{
				PostID: postID, PlatformMediaID: att.MediaID, OriginalURL: att.URL, LocalPath: result.LocalPath,
				ContentHash: result.ContentHash, MIMEType: result.MIMEType, WidthPx: result.WidthPx, HeightPx: result.HeightPx,
				ByteSize: result.ByteSize, OriginalAltText: att.AltText, Status: domain.ImageGenerated,
			})
			if err == nil {
				_ = s.deps.Images.UpdateCaption(ctx, imgID, reused.GeneratedCaption, reused.QualityScore, reused.CaptionModelUsed, reused.PromptUsed, reused.NeedsSpecialReview)
				s.publish(run.ID, broadcaster.Event{Type: broadcaster.EventReview, TaskID: run.ID, Message: fmt.Sprintf("image %s reused caption from duplicate upload", imgID)})
				continue
			}
		}

		imgID, err := s.deps.Images.Create(ctx, domain.Image{
			PostID: postID, PlatformMediaID: att.MediaID, OriginalURL: att.URL, LocalPath: result.LocalPath,
			ContentHash: result.ContentHash, MIMEType: result.MIMEType, WidthPx: result.WidthPx, HeightPx: result.HeightPx,
			ByteSize: result.ByteSize, OriginalAltText: att.AltText, Status: domain.ImagePending,
		})
		if err != nil {
			slog.Warn("processPost: failed to persist image", slog.String("post_id", postID), slog.Any("error", err))
			continue
		}

		taskID, err := s.deps.Tasks.Create(ctx, domain.CaptionGenerationTask{
			ProcessingRunID: run.ID, ImageID: imgID, UserID: run.UserID, PlatformConnectionID: conn.ID,
		})
		if err != nil {
			slog.Warn("processPost: failed to create caption task", slog.String("image_id", imgID), slog.Any("error", err))
			continue
		}
		if _, err := s.deps.Queue.EnqueueCaptionTask(ctx, domain.CaptionTaskPayload{
			TaskID: taskID, ImageID: imgID, ProcessingRunID: run.ID, UserID: run.UserID,
		}); err != nil {
			slog.Warn("processPost: failed to enqueue caption task", slog.String("task_id", taskID), slog.Any("error", err))
			continue
		}
		dispatched++
	}

	status := domain.PostCompleted
	_ = s.deps.Posts.UpdateStatus(ctx, postID, status)
	return dispatched, nil
}

func (s *Scheduler) fail(ctx context.Context, runID string, cause error) {
	msg := cause.Error()
	if err := s.deps.Runs.UpdateStatus(ctx, runID, domain.RunFailed, &msg); err != nil {
		slog.Error("processRun: failed to mark run failed", slog.String("run_id", runID), slog.Any("error", err))
	}
	s.publish(runID, broadcaster.Event{Type: broadcaster.EventFailed, TaskID: runID, Message: msg})
}

func (s *Scheduler) publish(runID string, ev broadcaster.Event) {
	if s.deps.Hub == nil {
		return
	}
	ev.At = time.Now()
	s.deps.Hub.Publish(ev)
}

// waitForRateLimit blocks until the (platformType, endpointFamily)
// bucket admits one request, retrying with backoff rather than failing
// the whole run on the first 429-equivalent signal.
func (s *Scheduler) waitForRateLimit(ctx context.Context, platformType, endpointFamily string) error {
	if s.deps.Limiter == nil {
		return nil
	}
	key := ratelimiter.BuildKey(platformType, endpointFamily)
	return ratelimiter.RetryWithBackoff(ctx, s.backoffCfg.maxElapsed, s.backoffCfg.initial, s.backoffCfg.max, s.backoffCfg.multiplier, func() error {
		allowed, retryAfter, err := s.deps.Limiter.Allow(ctx, key, 1)
		if err != nil {
			return ratelimiter.Permanent(err)
		}
		if !allowed {
			return fmt.Errorf("rate limit bucket %s not ready, retry in %s: %w", key, retryAfter, domain.ErrRateLimited)
		}
		return nil
	})
}
