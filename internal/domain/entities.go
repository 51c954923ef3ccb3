// Package domain defines core entities, ports, and domain-specific errors
// for the caption generation pipeline.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels). Adapters map these to transport-specific
// representations (HTTP status codes, gRPC codes, etc.) at the boundary.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrAuthentication    = errors.New("authentication failed")
	ErrDetachedInstance  = errors.New("object detached from session scope")
	ErrPlatformContext   = errors.New("no platform context bound")
	ErrResource          = errors.New("resource error")
	ErrValidation        = errors.New("validation error")
	ErrInternal          = errors.New("internal error")
)

// Context is a type alias to stdlib context.Context for convenience across layers.
type Context = context.Context

// PlatformType enumerates the fediverse platform software a connection talks to.
type PlatformType string

// Supported platform types.
const (
	PlatformPixelfed PlatformType = "pixelfed"
	PlatformMastodon PlatformType = "mastodon"
	PlatformPleroma  PlatformType = "pleroma"
)

// User is an operator of the captioning pipeline, distinct from the
// fediverse account(s) reachable through their PlatformConnections.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PlatformConnection binds a User to one fediverse account on one instance.
// Credentials are stored encrypted at rest; see internal/cryptutil.
type PlatformConnection struct {
	ID                 string
	UserID             string
	PlatformType       PlatformType
	InstanceURL        string
	Username           string
	EncryptedAccessToken []byte
	EncryptedClientSecret []byte
	IsActive           bool
	IsDefault          bool
	LastUsedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PostStatus captures whether a post's images have been fully captioned.
type PostStatus string

// Post processing statuses.
const (
	PostPending   PostStatus = "pending"
	PostCompleted PostStatus = "completed"
	PostError     PostStatus = "error"
)

// Post is a fediverse status fetched from a platform, normalized to a
// common shape regardless of which platform software produced it.
type Post struct {
	ID                   string
	PlatformConnectionID string
	PlatformPostID       string
	PlatformPostURL      string
	AuthorID             string
	Content              string
	Status               PostStatus
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ImageCaptionStatus tracks an individual attachment through the
// generate-review-approve-post pipeline.
type ImageCaptionStatus string

// Image caption statuses.
const (
	ImagePending  ImageCaptionStatus = "pending"
	ImageGenerated ImageCaptionStatus = "generated"
	ImageReviewed  ImageCaptionStatus = "reviewed"
	ImageApproved  ImageCaptionStatus = "approved"
	ImageRejected  ImageCaptionStatus = "rejected"
	ImagePosted    ImageCaptionStatus = "posted"
	ImageError     ImageCaptionStatus = "error"
)

// Image is a single media attachment belonging to a Post.
type Image struct {
	ID                string
	PostID            string
	PlatformMediaID   string
	OriginalURL       string
	LocalPath         string
	ContentHash       string
	MIMEType          string
	WidthPx           int
	HeightPx          int
	ByteSize          int64
	OriginalAltText   string
	GeneratedCaption  string
	ReviewedCaption   string
	FinalCaption      string
	QualityScore      float64
	PromptUsed        string
	Status            ImageCaptionStatus
	NeedsSpecialReview bool
	ReviewerNotes     string
	CaptionModelUsed  string
	RetryCount        int
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ProcessingRunStatus is the lifecycle of a batch ingestion/caption run.
type ProcessingRunStatus string

// Processing run statuses.
const (
	RunQueued    ProcessingRunStatus = "queued"
	RunRunning   ProcessingRunStatus = "running"
	RunCompleted ProcessingRunStatus = "completed"
	RunFailed    ProcessingRunStatus = "failed"
	RunCancelled ProcessingRunStatus = "cancelled"
)

// ProcessingRun is one invocation of the ingestion pipeline against a
// PlatformConnection: discover posts, find images missing alt text,
// generate captions.
type ProcessingRun struct {
	ID                   string
	UserID               string
	PlatformConnectionID string
	Status               ProcessingRunStatus
	PostsProcessed       int
	ImagesProcessed      int
	ImagesCaptioned      int
	ErrorMessage         string
	StartedAt            *time.Time
	CompletedAt          *time.Time
	CreatedAt            time.Time
}

// CaptionTaskStatus is the lifecycle of a single caption-generation task
// dispatched to the worker pool.
type CaptionTaskStatus string

// Caption generation task statuses.
const (
	TaskQueued    CaptionTaskStatus = "queued"
	TaskRunning   CaptionTaskStatus = "running"
	TaskCompleted CaptionTaskStatus = "completed"
	TaskFailed    CaptionTaskStatus = "failed"
	TaskCancelled CaptionTaskStatus = "cancelled"
)

// CaptionGenerationTask is the unit of work the scheduler dequeues exactly
// once via a compare-and-swap status transition.
type CaptionGenerationTask struct {
	ID                   string
	ProcessingRunID      string
	ImageID              string
	UserID               string
	PlatformConnectionID string
	Status               CaptionTaskStatus
	Attempts             int
	MaxAttempts          int
	NextRetryAt          *time.Time
	ErrorMessage         string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// UserSettings holds per-user configuration for caption generation and review.
type UserSettings struct {
	UserID                 string
	CaptionMaxLength       int
	QualityMinScore        float64
	AutoApproveHighQuality bool
	ReviewRequired         bool
	NotifyOnCompletion     bool
	UpdatedAt              time.Time
}

// Repositories (ports)

// UserRepository manages User records.
type UserRepository interface {
	Create(ctx Context, u User) (string, error)
	Get(ctx Context, id string) (User, error)
	GetByUsername(ctx Context, username string) (User, error)
}

// PlatformConnectionRepository manages PlatformConnection records.
type PlatformConnectionRepository interface {
	Create(ctx Context, c PlatformConnection) (string, error)
	Get(ctx Context, id string) (PlatformConnection, error)
	ListByUser(ctx Context, userID string) ([]PlatformConnection, error)
	UpdateLastUsed(ctx Context, id string, at time.Time) error
	Deactivate(ctx Context, id string) error
}

// PostRepository manages Post records.
type PostRepository interface {
	Create(ctx Context, p Post) (string, error)
	Get(ctx Context, id string) (Post, error)
	FindByPlatformPostID(ctx Context, platformConnectionID, platformPostID string) (Post, error)
	UpdateStatus(ctx Context, id string, status PostStatus) error
}

// ImageRepository manages Image records.
type ImageRepository interface {
	Create(ctx Context, img Image) (string, error)
	Get(ctx Context, id string) (Image, error)
	GetByContentHash(ctx Context, hash string) (Image, error)
	ListByPost(ctx Context, postID string) ([]Image, error)
	UpdateCaption(ctx Context, id string, generated string, score float64, model string, promptUsed string, needsSpecialReview bool) error
	UpdateReview(ctx Context, id string, reviewedCaption string, status ImageCaptionStatus, notes string) error
	UpdateStatus(ctx Context, id string, status ImageCaptionStatus, errMsg *string) error
	ListPendingReview(ctx Context, userID string, limit, offset int) ([]Image, error)
}

// ProcessingRunRepository manages ProcessingRun records.
type ProcessingRunRepository interface {
	Create(ctx Context, r ProcessingRun) (string, error)
	Get(ctx Context, id string) (ProcessingRun, error)
	UpdateStatus(ctx Context, id string, status ProcessingRunStatus, errMsg *string) error
	UpdateProgress(ctx Context, id string, postsProcessed, imagesProcessed, imagesCaptioned int) error
	ActiveForUser(ctx Context, userID string) (*ProcessingRun, error)
	// ResetStuckRunning re-queues runs left in RunRunning by a crashed
	// scheduler worker, returning their ids so the caller can re-push
	// them onto its dispatch channel.
	ResetStuckRunning(ctx Context, olderThan time.Duration) ([]string, error)
}

// CaptionTaskRepository manages CaptionGenerationTask records, including
// the compare-and-swap dequeue used by the scheduler.
type CaptionTaskRepository interface {
	Create(ctx Context, t CaptionGenerationTask) (string, error)
	Get(ctx Context, id string) (CaptionGenerationTask, error)
	ClaimNext(ctx Context) (*CaptionGenerationTask, error)
	MarkCompleted(ctx Context, id string) error
	MarkFailed(ctx Context, id string, errMsg string, nextRetryAt *time.Time) error
	Cancel(ctx Context, id string) error
	ResetStuckRunning(ctx Context, olderThan time.Duration) (int, error)
	// ListByRun lists every task dispatched for a ProcessingRun, the
	// basis for the Results and bulk-review endpoints.
	ListByRun(ctx Context, processingRunID string) ([]CaptionGenerationTask, error)
}

// UserSettingsRepository manages UserSettings records.
type UserSettingsRepository interface {
	Get(ctx Context, userID string) (UserSettings, error)
	Upsert(ctx Context, s UserSettings) error
}

// AdminNotification is a record raised by error recovery when a failure
// category's strategy calls for notifying an administrator.
type AdminNotification struct {
	ID        string
	Category  string
	Message   string
	Read      bool
	CreatedAt time.Time
}

// AdminNotificationRepository persists AdminNotification records.
type AdminNotificationRepository interface {
	Create(ctx Context, n AdminNotification) (string, error)
	ListUnread(ctx Context, limit int) ([]AdminNotification, error)
	MarkRead(ctx Context, id string) error
}

// Queue (port)

// Queue enqueues caption generation work for the bounded worker pool.
type Queue interface {
	EnqueueCaptionTask(ctx Context, payload CaptionTaskPayload) (string, error)
}

// CaptionClient (port)

// CaptionClient abstracts the vision-language model used to generate and
// validate alt-text captions for an image.
type CaptionClient interface {
	// GenerateCaption returns a caption string for the image bytes at path,
	// using the given prompt and model identifier.
	GenerateCaption(ctx Context, imagePath, prompt, model string, maxLength int) (string, error)
}

// PlatformAdapter (port)

// PlatformAdapter abstracts a fediverse platform's REST API surface needed
// by the ingestion pipeline: listing posts, reading attachments, and
// writing back an updated description.
type PlatformAdapter interface {
	PlatformType() PlatformType
	FetchUserPosts(ctx Context, conn PlatformConnection, sinceID string, limit int) ([]NormalizedPost, error)
	UpdateMediaDescription(ctx Context, conn PlatformConnection, post NormalizedPost, mediaID, description string) error
}

// NormalizedPost is the platform-agnostic shape produced by every
// PlatformAdapter implementation.
type NormalizedPost struct {
	PlatformPostID string
	URL            string
	AuthorID       string
	Content        string
	CreatedAt      time.Time
	Attachments    []NormalizedAttachment
}

// NormalizedAttachment is a single media item on a NormalizedPost.
type NormalizedAttachment struct {
	MediaID    string
	URL        string
	MIMEType   string
	AltText    string
	Width      int
	Height     int
}

// CaptionTaskPayload is the payload for a caption generation task enqueued
// to the background worker.
type CaptionTaskPayload struct {
	TaskID          string
	ImageID         string
	ProcessingRunID string
	UserID          string
}
