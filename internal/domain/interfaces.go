package domain

import (
	"context"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; the core depends on them.

// ProviderAdapter turns (prompt, credential) into solution text.
// Failures are reported as *ProviderError so the dispatcher can classify
// the lease outcome without knowing the wire protocol.
type ProviderAdapter interface {
	// Name returns the adapter identifier for logs and metrics.
	Name() string

	// Solve sends the prompt using the given credential and returns the
	// raw model text. The call is bounded by ctx.
	Solve(ctx context.Context, prompt, credential string) (string, error)
}

// TaskStore abstracts durable task persistence. Implemented by infra/sqlite.
type TaskStore interface {
	SaveTask(t *Task) error
	GetTask(id string) (*Task, error)
	ListTasks(statuses []TaskStatus, userPhone string, limit int) ([]*Task, error)
	DeleteTasksBefore(cutoff time.Time, statuses []TaskStatus) (int, error)
}

// Publisher delivers progress events to subscriber rooms.
// Implemented by infra/progress.Hub.
type Publisher interface {
	Publish(room string, ev ProgressEvent)
}

// CodeRunner executes extracted solution code in a sandboxed subprocess
// and returns merged stdout/stderr. Implemented by infra/runner.
type CodeRunner interface {
	Execute(ctx context.Context, language, code string) (string, error)
}
