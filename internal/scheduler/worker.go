package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/vedfolnir/vedfolnir/internal/broadcaster"
	"github.com/vedfolnir/vedfolnir/internal/captiongen"
	"github.com/vedfolnir/vedfolnir/internal/config"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/errorrecovery"
	"github.com/vedfolnir/vedfolnir/internal/observability"
	"github.com/vedfolnir/vedfolnir/internal/platform"
)

// Deps bundles the repositories and clients a Worker needs to carry a
// caption task from claim to completion.
type Deps struct {
	Tasks         domain.CaptionTaskRepository
	Images        domain.ImageRepository
	Posts         domain.PostRepository
	Runs          domain.ProcessingRunRepository
	Settings      domain.UserSettingsRepository
	Conns         domain.PlatformConnectionRepository
	Caption       domain.CaptionClient
	Factory       *platform.Factory
	Hub           *broadcaster.Hub
	ErrorRecovery *errorrecovery.Registry
}

// Worker processes caption generation tasks using asynq, with a
// Postgres compare-and-swap claim underneath so a retried or
// duplicated asynq delivery never processes the same row twice.
type Worker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	deps     Deps
	cfg      config.Config
	breakers *captiongen.CircuitBreakerManager
	validate *captiongen.ResponseValidator
}

// NewWorker builds a Worker bound to redisURL with the given
// concurrency and dependencies.
func NewWorker(redisURL string, deps Deps, cfg config.Config) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.NewWorker: %w", err)
	}

	concurrency := cfg.ConsumerMaxConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	srv := asynq.NewServer(opt, asynq.Config{Concurrency: concurrency})
	mux := asynq.NewServeMux()

	w := &Worker{
		server:   srv,
		mux:      mux,
		deps:     deps,
		cfg:      cfg,
		breakers: captiongen.NewCircuitBreakerManager(),
		validate: captiongen.NewResponseValidator(),
	}

	mux.HandleFunc(TaskCaption, func(ctx context.Context, t *asynq.Task) error {
		tracer := otel.Tracer("scheduler.worker")
		ctx, span := tracer.Start(ctx, "CaptionTask")
		defer span.End()

		var p domain.CaptionTaskPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("op=scheduler.worker: decode payload: %w", err)
		}
		return w.handleCaptionTask(ctx, p)
	})

	return w, nil
}

// Start begins processing tasks until shutdown.
func (w *Worker) Start(_ context.Context) error {
	return w.server.Start(w.mux)
}

// Stop gracefully shuts down the worker server.
func (w *Worker) Stop() {
	w.server.Shutdown()
}

// handleCaptionTask claims the next queued task for this delivery and
// carries it through generation, quality scoring, and status update.
func (w *Worker) handleCaptionTask(ctx context.Context, payload domain.CaptionTaskPayload) error {
	task, err := w.deps.Tasks.ClaimNext(ctx)
	if err != nil {
		return fmt.Errorf("op=scheduler.handleCaptionTask: claim: %w", err)
	}
	if task == nil {
		// Already claimed and completed by a previous delivery of the
		// same asynq task; nothing to do.
		return nil
	}

	if w.runCancelled(ctx, task.ProcessingRunID) {
		return w.abortCancelled(ctx, task)
	}

	observability.StartProcessingTask("caption")

	img, err := w.deps.Images.Get(ctx, task.ImageID)
	if err != nil {
		return w.fail(ctx, task, err)
	}

	post, err := w.deps.Posts.Get(ctx, img.PostID)
	if err != nil {
		return w.fail(ctx, task, err)
	}

	settings, err := w.deps.Settings.Get(ctx, task.UserID)
	if err != nil {
		settings = domain.UserSettings{CaptionMaxLength: w.cfg.CaptionMaxLength, QualityMinScore: w.cfg.CaptionQualityMin}
	}

	maxLength := settings.CaptionMaxLength
	if maxLength <= 0 {
		maxLength = w.cfg.CaptionMaxLength
	}

	weights := captiongen.QualityWeights{
		Length:    w.cfg.QualityWeightLength,
		Refusal:   w.cfg.QualityWeightRefusal,
		Relevance: w.cfg.QualityWeightRelevance,
	}
	outcome, err := w.generateWithFallback(ctx, img, post.Content, maxLength, weights, settings.QualityMinScore)
	if err != nil {
		return w.fail(ctx, task, err)
	}

	observability.ObserveCaption(outcome.Model, outcomeLabel(outcome.Validation), 0, outcome.Score)

	if outcome.Validation.IsRefusal {
		return w.fail(ctx, task, fmt.Errorf("vision model refused to caption image: %s", outcome.Validation.RefusalAnalysis.Reason))
	}

	if err := w.deps.Images.UpdateCaption(ctx, img.ID, outcome.Caption, outcome.Score, outcome.Model, outcome.Prompt, outcome.NeedsSpecialReview); err != nil {
		return w.fail(ctx, task, err)
	}

	status := domain.ImageGenerated
	if outcome.Score >= settings.QualityMinScore && settings.AutoApproveHighQuality && !settings.ReviewRequired && !outcome.NeedsSpecialReview {
		status = domain.ImageApproved
	}
	if err := w.deps.Images.UpdateStatus(ctx, img.ID, status, nil); err != nil {
		return w.fail(ctx, task, err)
	}
	if status == domain.ImageGenerated {
		msg := fmt.Sprintf("image %s needs review (score %.2f)", img.ID, outcome.Score)
		if outcome.NeedsSpecialReview {
			msg = fmt.Sprintf("image %s exhausted the fallback ladder and needs special review (score %.2f)", img.ID, outcome.Score)
		}
		w.publish(task.ProcessingRunID, broadcaster.Event{
			Type:    broadcaster.EventReview,
			TaskID:  task.ProcessingRunID,
			Message: msg,
		})
	}

	if err := w.deps.Tasks.MarkCompleted(ctx, task.ID); err != nil {
		return fmt.Errorf("op=scheduler.handleCaptionTask: mark completed: %w", err)
	}
	w.bumpRunProgress(ctx, task.ProcessingRunID)

	observability.CompleteTask("caption")
	slog.Info("caption task completed",
		slog.String("task_id", task.ID),
		slog.String("image_id", img.ID),
		slog.String("model", outcome.Model),
		slog.Float64("quality_score", outcome.Score))
	return nil
}

// runCancelled reports whether the ProcessingRun owning runID has
// already been cancelled, so a worker that claims a task after the user
// cancelled the run can skip it instead of generating a caption and
// publishing progress nobody asked for.
func (w *Worker) runCancelled(ctx context.Context, runID string) bool {
	if runID == "" || w.deps.Runs == nil {
		return false
	}
	run, err := w.deps.Runs.Get(ctx, runID)
	if err != nil {
		slog.Warn("failed to check processing run status before claiming task", slog.String("run_id", runID), slog.Any("error", err))
		return false
	}
	return run.Status == domain.RunCancelled
}

// abortCancelled marks a claimed task cancelled without generating a
// caption or emitting progress, since its owning run was cancelled out
// from under it between dispatch and claim.
func (w *Worker) abortCancelled(ctx context.Context, task *domain.CaptionGenerationTask) error {
	if err := w.deps.Tasks.Cancel(ctx, task.ID); err != nil {
		slog.Warn("failed to mark caption task cancelled", slog.String("task_id", task.ID), slog.Any("error", err))
	}
	return nil
}

// fallbackRung is one attempt in the caption generation ladder: a model
// and the prompt to send it.
type fallbackRung struct {
	model  string
	prompt string
}

// fallbackOutcome is the caption generateWithFallback settled on,
// together with enough detail to persist and to decide whether a human
// still needs to look at it.
type fallbackOutcome struct {
	Caption            string
	Model              string
	Prompt             string
	Validation         *captiongen.ValidationResult
	Score              float64
	NeedsSpecialReview bool
}

// fallbackRungs builds the escalation ladder for img: the primary model
// with the full descriptive prompt, the same model with a simplified
// prompt (in case the detailed prompt is what's confusing it), and
// finally the configured backup model with the simplified prompt.
func (w *Worker) fallbackRungs(img domain.Image) []fallbackRung {
	rungs := []fallbackRung{
		{model: w.cfg.CaptionModelName, prompt: captionPrompt(img)},
		{model: w.cfg.CaptionModelName, prompt: simplifiedCaptionPrompt()},
	}
	if w.cfg.CaptionFallbackModel != "" {
		rungs = append(rungs, fallbackRung{model: w.cfg.CaptionFallbackModel, prompt: simplifiedCaptionPrompt()})
	}
	return rungs
}

// generateWithFallback walks the fallback ladder until a rung clears
// settings' quality floor, recording why each rejected rung was
// rejected (error, open circuit, or low quality score). If every rung
// is exhausted without clearing the floor, it returns the best-scoring
// attempt seen and flags it for special review rather than failing the
// task outright - a mediocre caption still beats none.
func (w *Worker) generateWithFallback(ctx context.Context, img domain.Image, postContent string, maxLength int, weights captiongen.QualityWeights, qualityMinScore float64) (fallbackOutcome, error) {
	rungs := w.fallbackRungs(img)

	var lastErr error
	var best fallbackOutcome
	haveResult := false

	for i, rung := range rungs {
		breaker := w.breakers.GetBreaker(rung.model)
		if !breaker.ShouldAttempt() {
			lastErr = fmt.Errorf("circuit open for model %s", rung.model)
			if i > 0 {
				observability.RecordCaptionFallback(rung.model, "circuit_open")
			}
			continue
		}

		out, genErr := w.deps.Caption.GenerateCaption(ctx, img.LocalPath, rung.prompt, rung.model, maxLength)
		if genErr != nil {
			breaker.RecordFailure()
			lastErr = genErr
			if i > 0 {
				observability.RecordCaptionFallback(rung.model, "error")
			}
			continue
		}
		breaker.RecordSuccess()

		validation := w.validate.ValidateResponse(out)
		score := captiongen.ScoreCaption(validation.CleanedResponse, postContent, maxLength, weights, validation)
		attempt := fallbackOutcome{Caption: validation.CleanedResponse, Model: rung.model, Prompt: rung.prompt, Validation: validation, Score: score}

		if !haveResult || score > best.Score {
			best = attempt
			haveResult = true
		}

		if validation.IsRefusal {
			if i > 0 {
				observability.RecordCaptionFallback(rung.model, "refusal")
			}
			continue
		}

		if score >= qualityMinScore {
			return attempt, nil
		}

		observability.RecordCaptionFallback(rung.model, "low_quality")
	}

	if haveResult {
		best.NeedsSpecialReview = true
		return best, nil
	}
	return fallbackOutcome{}, fmt.Errorf("op=scheduler.generateWithFallback: %w", lastErr)
}

func captionPrompt(img domain.Image) string {
	base := "Describe this image concisely for use as accessibility alt-text. " +
		"Focus on the visible subject, setting, and action."
	if img.OriginalAltText != "" {
		return base + " The post author's own alt-text was too short or generic to reuse as-is."
	}
	return base
}

// simplifiedCaptionPrompt is the fallback ladder's later-rung prompt: a
// shorter, plainer ask that sometimes succeeds where the detailed
// accessibility-focused prompt triggers a refusal or a low-effort response.
func simplifiedCaptionPrompt() string {
	return "In one short sentence, describe what is shown in this image."
}

func outcomeLabel(v *captiongen.ValidationResult) string {
	if v.IsRefusal {
		return "refused"
	}
	if !v.IsValid {
		return "invalid"
	}
	return "ok"
}

func (w *Worker) fail(ctx context.Context, task *domain.CaptionGenerationTask, cause error) error {
	observability.FailTask("caption")

	var nextRetryPtr *time.Time
	if w.deps.ErrorRecovery != nil {
		_, strategy := w.deps.ErrorRecovery.Record(ctx, cause)
		if strategy == errorrecovery.StrategyRetry || strategy == errorrecovery.StrategyRetryLongDelay || strategy == errorrecovery.StrategyRetryOnce {
			nextRetry := time.Now().Add(backoffFor(task.Attempts))
			nextRetryPtr = &nextRetry
		}
	} else {
		nextRetry := time.Now().Add(backoffFor(task.Attempts))
		nextRetryPtr = &nextRetry
	}

	if err := w.deps.Tasks.MarkFailed(ctx, task.ID, cause.Error(), nextRetryPtr); err != nil {
		slog.Error("failed to mark caption task failed", slog.String("task_id", task.ID), slog.Any("error", err))
	}
	errMsg := cause.Error()
	if err := w.deps.Images.UpdateStatus(ctx, task.ImageID, domain.ImageError, &errMsg); err != nil {
		slog.Error("failed to mark image errored", slog.String("image_id", task.ImageID), slog.Any("error", err))
	}
	// A retryable failure (nextRetryPtr set) leaves the task running for
	// ClaimNext to pick back up later, so the run isn't done yet.
	if nextRetryPtr == nil {
		w.publish(task.ProcessingRunID, broadcaster.Event{
			Type:    broadcaster.EventFailed,
			TaskID:  task.ProcessingRunID,
			Message: errMsg,
		})
		w.maybeCompleteRun(ctx, task.ProcessingRunID)
	}
	return cause
}

func backoffFor(attempts int) time.Duration {
	d := time.Duration(1<<uint(attempts)) * time.Second
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

// bumpRunProgress re-reads the run and increments its captioned-image
// counter. Concurrent completions for the same run can race here; the
// scheduler favors a simple read-modify-write over a dedicated atomic
// increment port since progress counts are advisory, not authoritative
// (ProcessingRun.Status is what review flows gate on).
func (w *Worker) bumpRunProgress(ctx context.Context, runID string) {
	if runID == "" {
		return
	}
	run, err := w.deps.Runs.Get(ctx, runID)
	if err != nil {
		slog.Warn("failed to load processing run for progress update", slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	if run.Status == domain.RunCancelled {
		return
	}
	if err := w.deps.Runs.UpdateProgress(ctx, runID, run.PostsProcessed, run.ImagesProcessed, run.ImagesCaptioned+1); err != nil {
		slog.Warn("failed to update processing run progress", slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	w.publish(runID, broadcaster.Event{
		Type:            broadcaster.EventProgress,
		TaskID:          runID,
		PostsProcessed:  run.PostsProcessed,
		ImagesProcessed: run.ImagesProcessed,
		ImagesCaptioned: run.ImagesCaptioned + 1,
	})
	w.maybeCompleteRun(ctx, runID)
}

// maybeCompleteRun flips a still-running ProcessingRun to completed or
// failed once every caption task ever dispatched for it has reached a
// terminal state (completed, failed, or cancelled). This is the only
// place a run transitions out of "running" on the happy path, since
// processRun itself returns as soon as dispatch finishes, long before
// the dispatched tasks are done.
func (w *Worker) maybeCompleteRun(ctx context.Context, runID string) {
	if runID == "" {
		return
	}
	run, err := w.deps.Runs.Get(ctx, runID)
	if err != nil {
		slog.Warn("failed to load processing run for completion check", slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	if run.Status != domain.RunRunning {
		return
	}

	tasks, err := w.deps.Tasks.ListByRun(ctx, runID)
	if err != nil {
		slog.Warn("failed to list caption tasks for completion check", slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	if len(tasks) == 0 {
		return
	}

	failed := 0
	for _, t := range tasks {
		if t.Status == domain.TaskQueued || t.Status == domain.TaskRunning {
			return
		}
		if t.Status == domain.TaskFailed {
			failed++
		}
	}

	if failed == len(tasks) {
		msg := "every dispatched caption task failed"
		_ = w.deps.Runs.UpdateStatus(ctx, runID, domain.RunFailed, &msg)
		w.publish(runID, broadcaster.Event{Type: broadcaster.EventFailed, TaskID: runID, Message: msg})
		return
	}
	_ = w.deps.Runs.UpdateStatus(ctx, runID, domain.RunCompleted, nil)
	w.publish(runID, broadcaster.Event{Type: broadcaster.EventCompleted, TaskID: runID, Message: "processing run completed"})
}

// publish fans an event out to the hub if one was configured. Tests and
// one-off tools that build a Worker without a Hub get a no-op instead
// of a nil-pointer panic.
func (w *Worker) publish(taskID string, ev broadcaster.Event) {
	if w.deps.Hub == nil {
		return
	}
	ev.At = time.Now()
	w.deps.Hub.Publish(ev)
}
