// Package tracker owns the task lifecycle: it keeps an in-memory
// projection of every live task, persists each change through the
// TaskStore, and publishes a progress event to the task's room and the
// owning user's room after every accepted mutation.
package tracker

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solvepad/solvepad/internal/domain"
)

// retentionPeriod is how long terminal tasks are kept before pruning.
const retentionPeriod = 30 * 24 * time.Hour

// Tracker coordinates task state between callers, storage, and the
// progress channel. All mutations go through it so the state machine
// is enforced in exactly one place.
type Tracker struct {
	mu     sync.Mutex
	tasks  map[string]*domain.Task
	cancel map[string]chan struct{}

	store domain.TaskStore
	pub   domain.Publisher
	now   func() time.Time
}

// New creates a tracker backed by store, publishing through pub.
// A nil now defaults to time.Now.
func New(store domain.TaskStore, pub domain.Publisher, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		tasks:  make(map[string]*domain.Task),
		cancel: make(map[string]chan struct{}),
		store:  store,
		pub:    pub,
		now:    now,
	}
}

// Restore loads non-terminal tasks from storage into the projection.
// Called once at startup so tasks interrupted by a crash stay visible.
func (t *Tracker) Restore() error {
	active, err := t.store.ListTasks([]domain.TaskStatus{
		domain.TaskPending, domain.TaskProcessing, domain.TaskAwaitingConfirmation,
	}, "", 0)
	if err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, task := range active {
		t.tasks[task.ID] = task
		t.cancel[task.ID] = make(chan struct{})
	}
	if len(active) > 0 {
		log.Printf("[tracker] restored %d active tasks", len(active))
	}
	return nil
}

// Create registers a new task in PENDING (or AWAITING_CONFIRMATION when
// awaiting is set) and persists it. The generated ID is returned.
func (t *Tracker) Create(userPhone, taskType string, meta []byte, awaiting bool) (*domain.Task, error) {
	now := t.now()
	status := domain.TaskPending
	if awaiting {
		status = domain.TaskAwaitingConfirmation
	}
	task := &domain.Task{
		ID:           uuid.NewString(),
		UserPhone:    userPhone,
		Type:         taskType,
		Status:       status,
		Stage:        "queued",
		InputMeta:    meta,
		CreatedAt:    now,
		LastUpdateAt: now,
	}

	if err := t.store.SaveTask(task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	t.mu.Lock()
	t.tasks[task.ID] = task
	t.cancel[task.ID] = make(chan struct{})
	snap := *task
	t.mu.Unlock()

	t.publish(&snap)
	return &snap, nil
}

// Transition moves a task to the given status, enforcing the state
// machine. Storage failure on a transition is fatal: the projection is
// rolled back and the error returned.
func (t *Tracker) Transition(id string, to domain.TaskStatus, errMsg string) error {
	t.mu.Lock()
	task, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	from := task.Status
	if !domain.ValidTransition(from, to) {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	prev := *task

	now := t.now()
	task.Status = to
	task.LastUpdateAt = now
	switch to {
	case domain.TaskProcessing:
		task.StartedAt = now
		if task.Progress < 5 {
			task.Progress = 5
		}
		task.Stage = "starting"
	case domain.TaskCompleted:
		task.CompletedAt = now
		task.Progress = 100
		task.Stage = "done"
	case domain.TaskFailed:
		task.CompletedAt = now
		task.Stage = "failed"
		task.Error = errMsg
	}
	snap := *task
	t.mu.Unlock()

	if err := t.store.SaveTask(&snap); err != nil {
		// Restore the whole record, not just the status: the switch
		// above also touched progress, stage, timestamps, and error.
		t.mu.Lock()
		if cur, ok := t.tasks[id]; ok {
			*cur = prev
		}
		t.mu.Unlock()
		return fmt.Errorf("persist transition: %w", err)
	}

	if snap.IsTerminal() {
		t.closeCancel(id)
	}
	t.publish(&snap)
	return nil
}

// Patch updates progress, stage, and counts without changing status.
// Progress never moves backwards. Storage failure is logged and the
// in-memory update kept; progress is advisory and the next write will
// catch the row up.
func (t *Tracker) Patch(id string, progress int, stage string, counts *domain.TaskCounts) error {
	t.mu.Lock()
	task, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	if task.IsTerminal() {
		t.mu.Unlock()
		return domain.ErrTaskTerminal
	}
	if progress > task.Progress {
		task.Progress = progress
	}
	if stage != "" {
		task.Stage = stage
	}
	if counts != nil {
		task.Counts = *counts
	}
	task.LastUpdateAt = t.now()
	snap := *task
	t.mu.Unlock()

	if err := t.store.SaveTask(&snap); err != nil {
		log.Printf("[tracker] progress write failed for %s: %v", id, err)
	}
	t.publish(&snap)
	return nil
}

// SetOutput records the assembled document path on a task.
func (t *Tracker) SetOutput(id, path string) error {
	t.mu.Lock()
	task, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	task.OutputPath = path
	snap := *task
	t.mu.Unlock()

	if err := t.store.SaveTask(&snap); err != nil {
		return fmt.Errorf("persist output path: %w", err)
	}
	return nil
}

// Get returns a copy of the task, falling back to storage for tasks
// that have already left the projection.
func (t *Tracker) Get(id string) (*domain.Task, error) {
	t.mu.Lock()
	if task, ok := t.tasks[id]; ok {
		snap := *task
		t.mu.Unlock()
		return &snap, nil
	}
	t.mu.Unlock()
	return t.store.GetTask(id)
}

// ListActive returns all non-terminal tasks in the projection.
func (t *Tracker) ListActive() []domain.Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		if !task.IsTerminal() {
			out = append(out, *task)
		}
	}
	return out
}

// ListByUser returns the user's most recent tasks from storage.
func (t *Tracker) ListByUser(userPhone string, limit int) ([]*domain.Task, error) {
	return t.store.ListTasks(nil, userPhone, limit)
}

// ─── Cancellation ───────────────────────────────────────────────────────────

// RequestCancel signals the task's workers to stop. Returns
// ErrTaskTerminal when the task has already finished.
func (t *Tracker) RequestCancel(id string) error {
	t.mu.Lock()
	task, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	if task.IsTerminal() {
		t.mu.Unlock()
		return domain.ErrTaskTerminal
	}
	ch := t.cancel[id]
	t.mu.Unlock()

	select {
	case <-ch:
	default:
		close(ch)
	}
	return nil
}

// Cancelled returns a channel closed when cancellation has been
// requested for the task. Unknown IDs get an already-closed channel.
func (t *Tracker) Cancelled(id string) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.cancel[id]; ok {
		return ch
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

func (t *Tracker) closeCancel(id string) {
	t.mu.Lock()
	ch, ok := t.cancel[id]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// ─── Retention ──────────────────────────────────────────────────────────────

// Prune drops terminal tasks older than the retention period from
// storage and evicts finished tasks from the projection.
func (t *Tracker) Prune() (int, error) {
	cutoff := t.now().Add(-retentionPeriod)
	n, err := t.store.DeleteTasksBefore(cutoff, []domain.TaskStatus{
		domain.TaskCompleted, domain.TaskFailed,
	})
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}

	t.mu.Lock()
	for id, task := range t.tasks {
		if task.IsTerminal() {
			delete(t.tasks, id)
			delete(t.cancel, id)
		}
	}
	t.mu.Unlock()

	if n > 0 {
		log.Printf("[tracker] pruned %d tasks older than %s", n, retentionPeriod)
	}
	return n, nil
}

// ─── Publication ────────────────────────────────────────────────────────────

func (t *Tracker) publish(task *domain.Task) {
	ev := domain.ProgressEvent{
		TaskID:    task.ID,
		Status:    task.Status,
		Progress:  task.Progress,
		Stage:     task.Stage,
		Counts:    task.Counts,
		Timestamp: t.now().UTC(),
	}
	if task.Status == domain.TaskProcessing && task.Progress > 0 {
		elapsed := t.now().Sub(task.StartedAt)
		denom := task.Progress
		if denom < 1 {
			denom = 1
		}
		secs := int(elapsed.Seconds()) * (100 - task.Progress) / denom
		ev.EstimatedRemaining = &secs
	}

	t.pub.Publish(domain.TaskRoom(task.ID), ev)
	if task.UserPhone != "" {
		t.pub.Publish(domain.UserRoom(task.UserPhone), ev)
	}
}
