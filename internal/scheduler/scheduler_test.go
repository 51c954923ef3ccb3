package scheduler

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vedfolnir/vedfolnir/internal/config"
	"github.com/vedfolnir/vedfolnir/internal/domain"
	"github.com/vedfolnir/vedfolnir/internal/imageproc"
)

type schedRuns struct {
	domain.ProcessingRunRepository
	active       *domain.ProcessingRun
	activeErr    error
	created      domain.ProcessingRun
	createdID    string
	resetIDs     []string
	statusCalls  []domain.ProcessingRunStatus
	progressCall struct{ posts, images, captioned int }
}

func (s *schedRuns) ActiveForUser(ctx domain.Context, userID string) (*domain.ProcessingRun, error) {
	return s.active, s.activeErr
}
func (s *schedRuns) Create(ctx domain.Context, r domain.ProcessingRun) (string, error) {
	s.created = r
	if s.createdID == "" {
		s.createdID = "run-1"
	}
	return s.createdID, nil
}
func (s *schedRuns) Get(ctx domain.Context, id string) (domain.ProcessingRun, error) {
	return domain.ProcessingRun{ID: id, UserID: s.created.UserID, Status: domain.RunQueued}, nil
}
func (s *schedRuns) UpdateStatus(ctx domain.Context, id string, status domain.ProcessingRunStatus, errMsg *string) error {
	s.statusCalls = append(s.statusCalls, status)
	return nil
}
func (s *schedRuns) UpdateProgress(ctx domain.Context, id string, posts, images, captioned int) error {
	s.progressCall = struct{ posts, images, captioned int }{posts, images, captioned}
	return nil
}
func (s *schedRuns) ResetStuckRunning(ctx domain.Context, olderThan time.Duration) ([]string, error) {
	return s.resetIDs, nil
}

type schedConns struct {
	domain.PlatformConnectionRepository
	conn domain.PlatformConnection
}

func (s *schedConns) Get(ctx domain.Context, id string) (domain.PlatformConnection, error) {
	return s.conn, nil
}

type schedPosts struct {
	domain.PostRepository
	nextID string
}

func (s *schedPosts) Create(ctx domain.Context, p domain.Post) (string, error) {
	if s.nextID == "" {
		return "post-1", nil
	}
	return s.nextID, nil
}
func (s *schedPosts) UpdateStatus(ctx domain.Context, id string, status domain.PostStatus) error {
	return nil
}

type schedImages struct {
	domain.ImageRepository
	existing []domain.Image
	created  []domain.Image
}

func (s *schedImages) ListByPost(ctx domain.Context, postID string) ([]domain.Image, error) {
	return s.existing, nil
}
func (s *schedImages) GetByContentHash(ctx domain.Context, hash string) (domain.Image, error) {
	return domain.Image{}, domain.ErrNotFound
}
func (s *schedImages) Create(ctx domain.Context, img domain.Image) (string, error) {
	s.created = append(s.created, img)
	return "image-1", nil
}

type schedTasks struct {
	domain.CaptionTaskRepository
	created      []domain.CaptionGenerationTask
	byRun        []domain.CaptionGenerationTask
	cancelledIDs []string
}

func (s *schedTasks) Create(ctx domain.Context, t domain.CaptionGenerationTask) (string, error) {
	s.created = append(s.created, t)
	return "task-1", nil
}

func (s *schedTasks) ListByRun(ctx domain.Context, runID string) ([]domain.CaptionGenerationTask, error) {
	return s.byRun, nil
}

func (s *schedTasks) Cancel(ctx domain.Context, id string) error {
	s.cancelledIDs = append(s.cancelledIDs, id)
	return nil
}

type schedQueue struct {
	enqueued []domain.CaptionTaskPayload
}

func (q *schedQueue) EnqueueCaptionTask(ctx domain.Context, payload domain.CaptionTaskPayload) (string, error) {
	q.enqueued = append(q.enqueued, payload)
	return "asynq-1", nil
}

func testScheduler(runs *schedRuns, conns *schedConns) *Scheduler {
	return NewScheduler(IngestDeps{Runs: runs, Conns: conns, Tasks: &schedTasks{}}, config.Config{SchedulerQueueSize: 4, SchedulerMaxConcurrentTasks: 1})
}

func TestScheduler_Enqueue_Success(t *testing.T) {
	runs := &schedRuns{}
	conns := &schedConns{conn: domain.PlatformConnection{ID: "c1", UserID: "u1", IsActive: true}}
	s := testScheduler(runs, conns)

	id, err := s.Enqueue(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, domain.RunQueued, runs.created.Status)
}

func TestScheduler_Enqueue_ConflictWhenActive(t *testing.T) {
	runs := &schedRuns{active: &domain.ProcessingRun{ID: "existing"}}
	conns := &schedConns{conn: domain.PlatformConnection{ID: "c1", UserID: "u1", IsActive: true}}
	s := testScheduler(runs, conns)

	_, err := s.Enqueue(context.Background(), "u1", "c1")
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestScheduler_Enqueue_RejectsForeignConnection(t *testing.T) {
	runs := &schedRuns{}
	conns := &schedConns{conn: domain.PlatformConnection{ID: "c1", UserID: "someone-else", IsActive: true}}
	s := testScheduler(runs, conns)

	_, err := s.Enqueue(context.Background(), "u1", "c1")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestScheduler_Enqueue_RejectsDeactivatedConnection(t *testing.T) {
	runs := &schedRuns{}
	conns := &schedConns{conn: domain.PlatformConnection{ID: "c1", UserID: "u1", IsActive: false}}
	s := testScheduler(runs, conns)

	_, err := s.Enqueue(context.Background(), "u1", "c1")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestScheduler_Cancel_QueuedMarksCancelled(t *testing.T) {
	runs := &schedRuns{}
	conns := &schedConns{}
	s := testScheduler(runs, conns)

	require.NoError(t, s.Cancel(context.Background(), "run-1"))
	require.Len(t, runs.statusCalls, 1)
	assert.Equal(t, domain.RunCancelled, runs.statusCalls[0])
}

func TestScheduler_Cancel_RunningCallsCancelFunc(t *testing.T) {
	runs := &schedRuns{}
	conns := &schedConns{}
	s := testScheduler(runs, conns)

	cancelled := false
	s.cancels.Store("run-1", context.CancelFunc(func() { cancelled = true }))

	require.NoError(t, s.Cancel(context.Background(), "run-1"))
	assert.True(t, cancelled)
	require.Len(t, runs.statusCalls, 1)
	assert.Equal(t, domain.RunCancelled, runs.statusCalls[0])
}

// TestScheduler_Cancel_StillWorksAfterDispatchLoopExits covers the case the
// review flagged: a run that finished dispatching (its cancels entry is
// gone) but is still RunRunning with tasks in flight must still cancel.
func TestScheduler_Cancel_StillWorksAfterDispatchLoopExits(t *testing.T) {
	runs := &schedRuns{}
	conns := &schedConns{}
	tasks := &schedTasks{byRun: []domain.CaptionGenerationTask{
		{ID: "t1", Status: domain.TaskRunning},
		{ID: "t2", Status: domain.TaskQueued},
		{ID: "t3", Status: domain.TaskCompleted},
	}}
	s := NewScheduler(IngestDeps{Runs: runs, Conns: conns, Tasks: tasks}, config.Config{SchedulerQueueSize: 4, SchedulerMaxConcurrentTasks: 1})

	require.NoError(t, s.Cancel(context.Background(), "run-1"))
	require.Len(t, runs.statusCalls, 1)
	assert.Equal(t, domain.RunCancelled, runs.statusCalls[0])
	assert.ElementsMatch(t, []string{"t1", "t2"}, tasks.cancelledIDs)
}

func TestScheduler_Cancel_RejectsTerminalRun(t *testing.T) {
	runs := &schedRunsWithStatus{status: domain.RunCompleted}
	conns := &schedConns{}
	s := NewScheduler(IngestDeps{Runs: runs, Conns: conns, Tasks: &schedTasks{}}, config.Config{SchedulerQueueSize: 4, SchedulerMaxConcurrentTasks: 1})

	err := s.Cancel(context.Background(), "run-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

type schedRunsWithStatus struct {
	domain.ProcessingRunRepository
	status domain.ProcessingRunStatus
}

func (s *schedRunsWithStatus) Get(ctx domain.Context, id string) (domain.ProcessingRun, error) {
	return domain.ProcessingRun{ID: id, Status: s.status}, nil
}

func TestScheduler_Reconcile_RequeuesStuckRuns(t *testing.T) {
	runs := &schedRuns{resetIDs: []string{"r1", "r2"}}
	conns := &schedConns{}
	s := testScheduler(runs, conns)

	n, err := s.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, s.runCh, 2)
}

func TestScheduler_ProcessPost_DispatchesOnlyMissingAltText(t *testing.T) {
	img := testPNG(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(img)
	}))
	defer srv.Close()

	images := &schedImages{}
	tasks := &schedTasks{}
	queue := &schedQueue{}
	s := &Scheduler{
		deps: IngestDeps{
			Posts:  &schedPosts{},
			Images: images,
			Tasks:  tasks,
			Queue:  queue,
			Proc:   imageproc.NewProcessor(t.TempDir(), 10<<20, 2048),
		},
		cfg:   config.Config{},
		runCh: make(chan string, 1),
	}

	run := domain.ProcessingRun{ID: "run-1", UserID: "u1"}
	conn := domain.PlatformConnection{ID: "c1", UserID: "u1"}
	post := domain.NormalizedPost{
		PlatformPostID: "p1",
		Attachments: []domain.NormalizedAttachment{
			{MediaID: "m1", URL: srv.URL + "/a.png", AltText: ""},
			{MediaID: "m2", URL: srv.URL + "/b.png", AltText: "already described"},
		},
	}

	n, err := s.processPost(context.Background(), run, conn, post)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, images.created, 1)
	assert.Equal(t, "m1", images.created[0].PlatformMediaID)
	require.Len(t, tasks.created, 1)
	require.Len(t, queue.enqueued, 1)
	assert.Equal(t, "run-1", queue.enqueued[0].ProcessingRunID)
}

// TestScheduler_ProcessPost_TreatsWhitespaceAndEmojiAltTextAsMissing covers
// the review's "whitespace/emoji-only alt text isn't missing" gap: platforms
// never reject alt-text like this, so it has to be caught here.
func TestScheduler_ProcessPost_TreatsWhitespaceAndEmojiAltTextAsMissing(t *testing.T) {
	img := testPNG(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(img)
	}))
	defer srv.Close()

	images := &schedImages{}
	tasks := &schedTasks{}
	queue := &schedQueue{}
	s := &Scheduler{
		deps: IngestDeps{
			Posts:  &schedPosts{},
			Images: images,
			Tasks:  tasks,
			Queue:  queue,
			Proc:   imageproc.NewProcessor(t.TempDir(), 10<<20, 2048),
		},
		cfg:   config.Config{},
		runCh: make(chan string, 1),
	}

	run := domain.ProcessingRun{ID: "run-1", UserID: "u1"}
	conn := domain.PlatformConnection{ID: "c1", UserID: "u1"}
	post := domain.NormalizedPost{
		PlatformPostID: "p1",
		Attachments: []domain.NormalizedAttachment{
			{MediaID: "m1", URL: srv.URL + "/a.png", AltText: "   "},
			{MediaID: "m2", URL: srv.URL + "/b.png", AltText: "\U0001F600\U0001F600"},
		},
	}

	n, err := s.processPost(context.Background(), run, conn, post)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, images.created, 2)
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
