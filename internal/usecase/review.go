package usecase

import (
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/vedfolnir/vedfolnir/internal/domain"
	obsctx "github.com/vedfolnir/vedfolnir/internal/observability"
)

// ReviewDecision is the caller-supplied verdict on a generated caption.
type ReviewDecision struct {
	Approved        bool
	ReviewedCaption string
	Notes           string
}

// ReviewService applies human review decisions to generated captions,
// backing POST /v1/images/{id}/review and POST /v1/batches/{batch_id}/review.
type ReviewService struct {
	Images domain.ImageRepository
	Tasks  domain.CaptionTaskRepository
	Posts  domain.PostRepository
	Conns  domain.PlatformConnectionRepository
}

// NewReviewService constructs a ReviewService with its dependencies.
func NewReviewService(images domain.ImageRepository, tasks domain.CaptionTaskRepository, posts domain.PostRepository, conns domain.PlatformConnectionRepository) ReviewService {
	return ReviewService{Images: images, Tasks: tasks, Posts: posts, Conns: conns}
}

// Review applies a single review decision to the image identified by
// imageID. A rejected image keeps its generated caption but is flagged
// for regeneration or manual edit by the caller; an approved image's
// ReviewedCaption becomes the text that will be written back to the
// platform post.
func (s ReviewService) Review(ctx domain.Context, userID, imageID string, decision ReviewDecision) error {
	tr := otel.Tracer("usecase.review")
	ctx, span := tr.Start(ctx, "ReviewService.Review")
	defer span.End()

	lg := obsctx.LoggerFromContext(ctx)

	img, err := s.Images.Get(ctx, imageID)
	if err != nil {
		return fmt.Errorf("op=usecase.review.Review: %w", err)
	}
	if err := s.authorizeImage(ctx, userID, img); err != nil {
		return err
	}

	status, caption := applyDecision(decision, img.GeneratedCaption)
	if err := s.Images.UpdateReview(ctx, imageID, caption, status, decision.Notes); err != nil {
		lg.Error("review update failed", slog.String("image_id", imageID), slog.Any("error", err))
		return fmt.Errorf("op=usecase.review.Review: %w", err)
	}
	lg.Info("image reviewed", slog.String("image_id", imageID), slog.Bool("approved", decision.Approved))
	return nil
}

// BulkReviewResult reports the outcome of one image in a bulk review call.
type BulkReviewResult struct {
	ImageID string
	Error   error
}

// BulkReview applies the same decision to every image produced by the
// caption tasks dispatched under processingRunID ("batch_id" in the
// REST surface), skipping images that were never generated.
func (s ReviewService) BulkReview(ctx domain.Context, userID, processingRunID string, decision ReviewDecision) ([]BulkReviewResult, error) {
	tr := otel.Tracer("usecase.review")
	ctx, span := tr.Start(ctx, "ReviewService.BulkReview")
	defer span.End()

	tasks, err := s.Tasks.ListByRun(ctx, processingRunID)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.review.BulkReview: %w", err)
	}

	results := make([]BulkReviewResult, 0, len(tasks))
	for _, t := range tasks {
		if t.Status != domain.TaskCompleted {
			continue
		}
		if t.UserID != userID {
			results = append(results, BulkReviewResult{ImageID: t.ImageID, Error: domain.ErrNotFound})
			continue
		}
		img, err := s.Images.Get(ctx, t.ImageID)
		if err != nil {
			results = append(results, BulkReviewResult{ImageID: t.ImageID, Error: err})
			continue
		}

		status, caption := applyDecision(decision, img.GeneratedCaption)
		if err := s.Images.UpdateReview(ctx, t.ImageID, caption, status, decision.Notes); err != nil {
			results = append(results, BulkReviewResult{ImageID: t.ImageID, Error: err})
			continue
		}
		results = append(results, BulkReviewResult{ImageID: t.ImageID})
	}

	obsctx.LoggerFromContext(ctx).Info("bulk review applied",
		slog.String("processing_run_id", processingRunID), slog.Int("count", len(results)))
	return results, nil
}

// applyDecision maps a ReviewDecision to the (status, caption) pair
// UpdateReview persists, defaulting an approval's caption to the
// generated one when the reviewer made no edits.
func applyDecision(decision ReviewDecision, generated string) (domain.ImageCaptionStatus, string) {
	if !decision.Approved {
		return domain.ImageRejected, decision.ReviewedCaption
	}
	caption := decision.ReviewedCaption
	if caption == "" {
		caption = generated
	}
	return domain.ImageApproved, caption
}

// authorizeImage checks that the post an image belongs to was ingested
// through a PlatformConnection owned by userID, so one user cannot
// review another's captions.
func (s ReviewService) authorizeImage(ctx domain.Context, userID string, img domain.Image) error {
	post, err := s.Posts.Get(ctx, img.PostID)
	if err != nil {
		return fmt.Errorf("op=usecase.review.authorizeImage: %w", err)
	}
	conn, err := s.Conns.Get(ctx, post.PlatformConnectionID)
	if err != nil {
		return fmt.Errorf("op=usecase.review.authorizeImage: %w", err)
	}
	if conn.UserID != userID {
		return fmt.Errorf("op=usecase.review.authorizeImage: %w", domain.ErrNotFound)
	}
	return nil
}
