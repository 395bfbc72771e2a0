package tracker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/solvepad/solvepad/internal/domain"
)

// ─── Test doubles ───────────────────────────────────────────────────────────

type memStore struct {
	mu      sync.Mutex
	tasks   map[string]domain.Task
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]domain.Task)}
}

func (s *memStore) SaveTask(t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.tasks[t.ID] = *t
	return nil
}

func (s *memStore) GetTask(id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return &t, nil
}

func (s *memStore) ListTasks(statuses []domain.TaskStatus, userPhone string, limit int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for id := range s.tasks {
		t := s.tasks[id]
		if userPhone != "" && t.UserPhone != userPhone {
			continue
		}
		if len(statuses) > 0 {
			match := false
			for _, st := range statuses {
				if t.Status == st {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, &t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) DeleteTasksBefore(cutoff time.Time, statuses []domain.TaskStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tasks {
		if t.CompletedAt.IsZero() || !t.CompletedAt.Before(cutoff) {
			continue
		}
		for _, st := range statuses {
			if t.Status == st {
				delete(s.tasks, id)
				n++
				break
			}
		}
	}
	return n, nil
}

type memPublisher struct {
	mu     sync.Mutex
	events map[string][]domain.ProgressEvent
}

func newMemPublisher() *memPublisher {
	return &memPublisher{events: make(map[string][]domain.ProgressEvent)}
}

func (p *memPublisher) Publish(room string, ev domain.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[room] = append(p.events[room], ev)
}

func (p *memPublisher) roomEvents(room string) []domain.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ProgressEvent(nil), p.events[room]...)
}

type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *tickClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T) (*Tracker, *memStore, *memPublisher, *tickClock) {
	t.Helper()
	store := newMemStore()
	pub := newMemPublisher()
	clk := &tickClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return New(store, pub, clk.now), store, pub, clk
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestCreate_PersistsAndPublishesToBothRooms(t *testing.T) {
	tr, store, pub, _ := newTestTracker(t)

	task, err := tr.Create("15551234567", "batch_solve", nil, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Status != domain.TaskPending {
		t.Errorf("status = %s, want pending", task.Status)
	}
	if _, err := store.GetTask(task.ID); err != nil {
		t.Errorf("task not persisted: %v", err)
	}
	if evs := pub.roomEvents(domain.TaskRoom(task.ID)); len(evs) != 1 {
		t.Errorf("task room events = %d, want 1", len(evs))
	}
	if evs := pub.roomEvents(domain.UserRoom("15551234567")); len(evs) != 1 {
		t.Errorf("user room events = %d, want 1", len(evs))
	}
}

func TestCreate_AwaitingConfirmation(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)

	task, err := tr.Create("1555", "batch_solve", []byte(`{"total":25}`), true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Status != domain.TaskAwaitingConfirmation {
		t.Errorf("status = %s, want awaiting_confirmation", task.Status)
	}
	if err := tr.Transition(task.ID, domain.TaskProcessing, ""); err != nil {
		t.Errorf("confirm transition: %v", err)
	}
}

func TestTransition_RejectsInvalidMoves(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)
	task, _ := tr.Create("1555", "batch_solve", nil, false)

	if err := tr.Transition(task.ID, domain.TaskCompleted, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("pending -> completed err = %v, want ErrInvalidTransition", err)
	}

	if err := tr.Transition(task.ID, domain.TaskProcessing, ""); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	if err := tr.Transition(task.ID, domain.TaskCompleted, ""); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}
	if err := tr.Transition(task.ID, domain.TaskProcessing, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("completed -> processing err = %v, want ErrInvalidTransition", err)
	}
}

func TestTransition_StorageFailureRollsBack(t *testing.T) {
	tr, store, _, _ := newTestTracker(t)
	task, _ := tr.Create("1555", "batch_solve", nil, false)

	store.saveErr = errors.New("disk full")
	if err := tr.Transition(task.ID, domain.TaskProcessing, ""); err == nil {
		t.Fatal("expected error from failed persist")
	}
	store.saveErr = nil

	got, _ := tr.Get(task.ID)
	if got.Status != domain.TaskPending {
		t.Errorf("status after rollback = %s, want pending", got.Status)
	}
}

func TestTransition_StorageFailureRollsBackWholeRecord(t *testing.T) {
	tr, store, _, _ := newTestTracker(t)
	task, _ := tr.Create("1555", "batch_solve", nil, false)
	if err := tr.Transition(task.ID, domain.TaskProcessing, ""); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	tr.Patch(task.ID, 60, "solving", nil)
	before, _ := tr.Get(task.ID)

	store.saveErr = errors.New("disk full")
	if err := tr.Transition(task.ID, domain.TaskCompleted, ""); err == nil {
		t.Fatal("expected error from failed persist")
	}
	store.saveErr = nil

	got, _ := tr.Get(task.ID)
	if got.Status != domain.TaskProcessing {
		t.Errorf("status after rollback = %s, want processing", got.Status)
	}
	if got.Progress != before.Progress {
		t.Errorf("progress after rollback = %d, want %d", got.Progress, before.Progress)
	}
	if got.Stage != before.Stage {
		t.Errorf("stage after rollback = %q, want %q", got.Stage, before.Stage)
	}
	if !got.CompletedAt.IsZero() {
		t.Errorf("completed_at after rollback = %v, want zero", got.CompletedAt)
	}

	// The task is still live and can finish once storage recovers.
	if err := tr.Transition(task.ID, domain.TaskCompleted, ""); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
}

func TestPatch_ProgressIsMonotone(t *testing.T) {
	tr, _, pub, _ := newTestTracker(t)
	task, _ := tr.Create("1555", "batch_solve", nil, false)
	tr.Transition(task.ID, domain.TaskProcessing, "")

	tr.Patch(task.ID, 50, "solving", &domain.TaskCounts{Total: 10, Solved: 5})
	tr.Patch(task.ID, 40, "solving", nil)

	got, _ := tr.Get(task.ID)
	if got.Progress != 50 {
		t.Errorf("progress = %d, want 50 (must not regress)", got.Progress)
	}
	if got.Counts.Solved != 5 {
		t.Errorf("counts.solved = %d, want 5", got.Counts.Solved)
	}

	evs := pub.roomEvents(domain.TaskRoom(task.ID))
	last := evs[len(evs)-1]
	if last.Progress != 50 {
		t.Errorf("last published progress = %d, want 50", last.Progress)
	}
}

func TestPatch_StorageFailureIsNonFatal(t *testing.T) {
	tr, store, _, _ := newTestTracker(t)
	task, _ := tr.Create("1555", "batch_solve", nil, false)
	tr.Transition(task.ID, domain.TaskProcessing, "")

	store.saveErr = errors.New("disk full")
	if err := tr.Patch(task.ID, 60, "solving", nil); err != nil {
		t.Errorf("Patch returned %v, want nil on storage failure", err)
	}
	store.saveErr = nil

	got, _ := tr.Get(task.ID)
	if got.Progress != 60 {
		t.Errorf("progress = %d, want 60 in projection", got.Progress)
	}
}

func TestPatch_RejectsTerminalTask(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)
	task, _ := tr.Create("1555", "batch_solve", nil, false)
	tr.Transition(task.ID, domain.TaskProcessing, "")
	tr.Transition(task.ID, domain.TaskCompleted, "")

	if err := tr.Patch(task.ID, 99, "late", nil); !errors.Is(err, domain.ErrTaskTerminal) {
		t.Errorf("err = %v, want ErrTaskTerminal", err)
	}
}

func TestEstimatedRemaining(t *testing.T) {
	tr, _, pub, clk := newTestTracker(t)
	task, _ := tr.Create("1555", "batch_solve", nil, false)
	tr.Transition(task.ID, domain.TaskProcessing, "")

	clk.advance(40 * time.Second)
	tr.Patch(task.ID, 25, "solving", nil)

	evs := pub.roomEvents(domain.TaskRoom(task.ID))
	last := evs[len(evs)-1]
	if last.EstimatedRemaining == nil {
		t.Fatal("estimated remaining not set while processing")
	}
	// 40s elapsed at 25% leaves 40*75/25 = 120s.
	if *last.EstimatedRemaining != 120 {
		t.Errorf("estimated remaining = %d, want 120", *last.EstimatedRemaining)
	}
}

func TestFailTransition_RecordsError(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)
	task, _ := tr.Create("1555", "batch_solve", nil, false)
	tr.Transition(task.ID, domain.TaskProcessing, "")
	tr.Transition(task.ID, domain.TaskFailed, "all providers exhausted")

	got, _ := tr.Get(task.ID)
	if got.Error != "all providers exhausted" {
		t.Errorf("error = %q", got.Error)
	}
	if got.Progress == 100 {
		t.Error("failed task must not report 100% progress")
	}
}

func TestCancel_SignalsAndTerminalCloses(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)
	task, _ := tr.Create("1555", "batch_solve", nil, false)
	tr.Transition(task.ID, domain.TaskProcessing, "")

	select {
	case <-tr.Cancelled(task.ID):
		t.Fatal("cancel channel closed before request")
	default:
	}

	if err := tr.RequestCancel(task.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	select {
	case <-tr.Cancelled(task.ID):
	default:
		t.Fatal("cancel channel not closed after request")
	}

	// Idempotent.
	if err := tr.RequestCancel(task.ID); err != nil {
		t.Errorf("second RequestCancel: %v", err)
	}

	tr.Transition(task.ID, domain.TaskFailed, "cancelled")
	if err := tr.RequestCancel(task.ID); !errors.Is(err, domain.ErrTaskTerminal) {
		t.Errorf("cancel of terminal task err = %v, want ErrTaskTerminal", err)
	}
}

func TestCancelled_UnknownTaskIsClosed(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)
	select {
	case <-tr.Cancelled("nope"):
	default:
		t.Error("unknown task cancel channel should read as closed")
	}
}

func TestRestore_LoadsActiveTasks(t *testing.T) {
	store := newMemStore()
	store.tasks["a"] = domain.Task{ID: "a", UserPhone: "1", Status: domain.TaskProcessing}
	store.tasks["b"] = domain.Task{ID: "b", UserPhone: "1", Status: domain.TaskCompleted}

	tr := New(store, newMemPublisher(), nil)
	if err := tr.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	active := tr.ListActive()
	if len(active) != 1 || active[0].ID != "a" {
		t.Errorf("active = %+v, want only task a", active)
	}
}

func TestPrune_DropsOldTerminalTasks(t *testing.T) {
	tr, store, _, clk := newTestTracker(t)

	task, _ := tr.Create("1555", "batch_solve", nil, false)
	tr.Transition(task.ID, domain.TaskProcessing, "")
	tr.Transition(task.ID, domain.TaskCompleted, "")

	fresh, _ := tr.Create("1555", "batch_solve", nil, false)

	clk.advance(31 * 24 * time.Hour)
	n, err := tr.Prune()
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if _, err := store.GetTask(task.ID); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Errorf("old task still in store: %v", err)
	}
	if _, err := tr.Get(fresh.ID); err != nil {
		t.Errorf("fresh task lost: %v", err)
	}
}
