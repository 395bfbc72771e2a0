// Package dispatch fans a batch of questions out across a bounded
// worker set, leasing provider keys per call, retrying per question
// with cross-provider fallback, and streaming progress through the
// task tracker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/solvepad/solvepad/internal/domain"
	"github.com/solvepad/solvepad/internal/infra/keypool"
	"github.com/solvepad/solvepad/internal/infra/metrics"
	"github.com/solvepad/solvepad/internal/infra/provider"
)

// acquireWaitMin and acquireWaitMax clamp how long a worker sleeps
// between pool probes while no key is available.
const (
	acquireWaitMin = 50 * time.Millisecond
	acquireWaitMax = 5 * time.Second
)

// errUseFallback is an internal signal: stop waiting on Primary because
// Fallback has capacity right now.
var errUseFallback = errors.New("switch to fallback provider")

// Config bounds the dispatcher's fan-out and retry behavior.
type Config struct {
	WorkerCap   int           // max parallel workers per batch
	MaxAttempts int           // attempts per provider per question
	BackoffBase time.Duration // first backoff after a transient failure
	BackoffMax  time.Duration // backoff ceiling
	CallTimeout time.Duration // per provider call
}

// DefaultConfig returns the production dispatch limits.
func DefaultConfig() Config {
	return Config{
		WorkerCap:   4,
		MaxAttempts: 3,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  8 * time.Second,
		CallTimeout: 60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WorkerCap <= 0 {
		c.WorkerCap = d.WorkerCap
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

// TaskSink is the slice of the tracker the dispatcher needs.
type TaskSink interface {
	Transition(id string, to domain.TaskStatus, errMsg string) error
	Patch(id string, progress int, stage string, counts *domain.TaskCounts) error
	SetOutput(id, path string) error
	Cancelled(id string) <-chan struct{}
}

// Assembler renders solved questions into the final document and
// returns its path.
type Assembler interface {
	Build(job *domain.BatchJob, results []domain.QuestionResult) (string, error)
}

// Dispatcher coordinates one batch at a time per Run call; Run is safe
// to invoke concurrently for different batches.
type Dispatcher struct {
	cfg      Config
	pool     *keypool.Pool
	adapters map[domain.Provider]domain.ProviderAdapter
	runner   domain.CodeRunner
	tasks    TaskSink
	assemble Assembler
}

// New creates a dispatcher over the given pool and adapters.
func New(cfg Config, pool *keypool.Pool, adapters map[domain.Provider]domain.ProviderAdapter, runner domain.CodeRunner, tasks TaskSink, assemble Assembler) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		pool:     pool,
		adapters: adapters,
		runner:   runner,
		tasks:    tasks,
		assemble: assemble,
	}
}

// Run executes the batch to completion: every question gets a
// QuestionResult, the document is assembled from the successes, and the
// task is driven to a terminal status. The returned error is the fatal
// batch error, if any.
func (d *Dispatcher) Run(ctx context.Context, job *domain.BatchJob) error {
	if err := d.tasks.Transition(job.TaskID, domain.TaskProcessing, ""); err != nil {
		return fmt.Errorf("start batch %s: %w", job.TaskID, err)
	}
	metrics.BatchesActive.Inc()
	defer metrics.BatchesActive.Dec()
	start := time.Now()
	defer func() { metrics.BatchDuration.Observe(time.Since(start).Seconds()) }()

	// The deadline bounds scheduling only: no new leases after it, but
	// calls already in flight run on callBase so their leases settle
	// with the real outcome and the late result is recorded as a
	// timeout instead of aborting mid-call.
	callBase := ctx
	if !job.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, job.Deadline)
		defer cancel()
	}

	results := d.fanOut(ctx, callBase, job)

	if cancelRequested(d.tasks.Cancelled(job.TaskID)) && ctx.Err() == nil {
		return d.fail(job.TaskID, domain.ErrBatchCancelled, "cancelled")
	}

	d.tasks.Patch(job.TaskID, 80, "assembling", nil)
	path, err := d.assemble.Build(job, results)
	if err != nil {
		return d.fail(job.TaskID, err, fmt.Sprintf("assemble document: %v", err))
	}
	if err := d.tasks.SetOutput(job.TaskID, path); err != nil {
		return d.fail(job.TaskID, err, fmt.Sprintf("record output: %v", err))
	}
	if err := d.tasks.Transition(job.TaskID, domain.TaskCompleted, ""); err != nil {
		return fmt.Errorf("complete batch %s: %w", job.TaskID, err)
	}
	return nil
}

func (d *Dispatcher) fail(taskID string, cause error, msg string) error {
	if terr := d.tasks.Transition(taskID, domain.TaskFailed, msg); terr != nil {
		log.Printf("[dispatch] task %s: failed to record failure: %v", taskID, terr)
	}
	return cause
}

// fanOut runs W workers over the question queue and returns one result
// per question, in submission order. Results are keyed by queue
// position, not Question.Index: indices are client-supplied and may
// collide.
func (d *Dispatcher) fanOut(ctx, callBase context.Context, job *domain.BatchJob) []domain.QuestionResult {
	total := len(job.Questions)
	workers := d.cfg.WorkerCap
	if total < workers {
		workers = total
	}

	type queued struct {
		pos int
		q   domain.Question
	}
	queue := make(chan queued, total)
	for i, q := range job.Questions {
		queue <- queued{pos: i, q: q}
	}
	close(queue)

	type posResult struct {
		pos int
		res domain.QuestionResult
	}
	resultCh := make(chan posResult)
	for i := 0; i < workers; i++ {
		go func() {
			for item := range queue {
				resultCh <- posResult{pos: item.pos, res: d.solveQuestion(ctx, callBase, job, item.q)}
			}
		}()
	}

	results := make([]domain.QuestionResult, total)
	counts := domain.TaskCounts{Total: total}
	for n := 0; n < total; n++ {
		pr := <-resultCh
		results[pr.pos] = pr.res
		if pr.res.Failed() {
			counts.Failed++
			metrics.QuestionsFailed.WithLabelValues(failureReason(pr.res.Err)).Inc()
		} else {
			counts.Solved++
			metrics.QuestionsSolved.Inc()
		}
		progress := 25 + 50*(counts.Solved+counts.Failed)/total
		d.tasks.Patch(job.TaskID, progress, "solving", &counts)
	}
	return results
}

// failureReason folds arbitrary error text into a bounded metric label.
func failureReason(errText string) string {
	switch errText {
	case "timeout", "cancelled":
		return errText
	default:
		return "exhausted"
	}
}

// solveQuestion runs the per-question retry loop: up to MaxAttempts on
// Primary, then up to MaxAttempts on Fallback.
func (d *Dispatcher) solveQuestion(ctx, callBase context.Context, job *domain.BatchJob, q domain.Question) domain.QuestionResult {
	res := domain.QuestionResult{Index: q.Index}
	start := time.Now()
	defer func() { res.Elapsed = time.Since(start) }()

	prompt := provider.BuildPrompt(q.Text, job.Language)
	cancelled := d.tasks.Cancelled(job.TaskID)

providers:
	for _, prov := range []domain.Provider{domain.ProviderPrimary, domain.ProviderFallback} {
		adapter, ok := d.adapters[prov]
		if !ok {
			continue
		}
		backoff := d.cfg.BackoffBase
		for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
			lease, err := d.acquireWait(ctx, cancelled, prov)
			switch {
			case errors.Is(err, errUseFallback):
				continue providers
			case errors.Is(err, context.DeadlineExceeded):
				res.Err = "timeout"
				return res
			case err != nil:
				res.Err = "cancelled"
				return res
			}

			res.Attempts++
			solution, output, callErr := d.callAndRun(ctx, callBase, adapter, lease, prompt, job.Language)
			if callErr == nil {
				if ctx.Err() == context.DeadlineExceeded {
					res.Err = "timeout"
					return res
				}
				res.Solution = solution
				res.Output = output
				res.FinalProvider = prov
				res.Err = ""
				return res
			}
			res.Err = callErr.Error()

			var perr *domain.ProviderError
			if errors.As(callErr, &perr) && (perr.Kind == domain.KindTransient || perr.Kind == domain.KindTimeout) {
				if !sleepOrStop(ctx, cancelled, backoff) {
					res.Err = "cancelled"
					if ctx.Err() == context.DeadlineExceeded {
						res.Err = "timeout"
					}
					return res
				}
				backoff *= 2
				if backoff > d.cfg.BackoffMax {
					backoff = d.cfg.BackoffMax
				}
			}
		}
	}

	if res.Err == "" {
		res.Err = domain.ErrProvidersExhausted.Error()
	}
	return res
}

// callAndRun performs one leased provider call, releases the lease with
// the classified outcome, and on success executes the extracted code.
// Runner failures are not call failures; their message becomes the
// recorded output. The call is bounded by CallTimeout on callBase, not
// by the batch deadline: an outstanding lease is allowed to complete
// and the caller records a late result as a timeout.
func (d *Dispatcher) callAndRun(ctx, callBase context.Context, adapter domain.ProviderAdapter, lease *keypool.Lease, prompt, language string) (solution, output string, err error) {
	callCtx, cancel := context.WithTimeout(callBase, d.cfg.CallTimeout)
	text, callErr := adapter.Solve(callCtx, prompt, lease.Credential)
	cancel()

	if callErr != nil {
		outcome, retryAfter := classifyCallError(callErr)
		d.releaseLease(lease, outcome, retryAfter)
		return "", "", callErr
	}

	code := provider.ExtractCode(text)
	if code == "" {
		d.releaseLease(lease, domain.OutcomeInvalidResponse, 0)
		return "", "", &domain.ProviderError{Kind: domain.KindInvalidResponse, Message: "response contains no code"}
	}
	d.releaseLease(lease, domain.OutcomeOK, 0)

	if ctx.Err() != nil {
		// Past the batch deadline; the result is late, skip execution.
		return code, "", nil
	}
	runOut, runErr := d.runner.Execute(callBase, language, code)
	if runErr != nil {
		runOut = "execution failed: " + runErr.Error()
	}
	return code, runOut, nil
}

func (d *Dispatcher) releaseLease(lease *keypool.Lease, outcome domain.Outcome, retryAfter time.Duration) {
	if err := d.pool.Release(lease, outcome, retryAfter); err != nil {
		log.Printf("[dispatch] lease release (%s/%d, %s): %v", lease.Provider, lease.KeyID, outcome, err)
	}
}

// classifyCallError maps an adapter error onto the pool outcome to
// release the lease with.
func classifyCallError(err error) (domain.Outcome, time.Duration) {
	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		return domain.OutcomeTransient, 0
	}
	switch perr.Kind {
	case domain.KindRateLimited:
		return domain.OutcomeRateLimited, perr.RetryAfter
	case domain.KindAuth:
		return domain.OutcomeAuth, 0
	case domain.KindInvalidResponse:
		return domain.OutcomeInvalidResponse, 0
	default: // transient, timeout
		return domain.OutcomeTransient, 0
	}
}

// acquireWait blocks until a lease on prov is granted, the context
// ends, cancellation is requested, or (while waiting on Primary)
// Fallback frees up (errUseFallback).
func (d *Dispatcher) acquireWait(ctx context.Context, cancelled <-chan struct{}, prov domain.Provider) (*keypool.Lease, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		select {
		case <-cancelled:
			return nil, domain.ErrBatchCancelled
		default:
		}

		lease, err := d.pool.Acquire(prov)
		if err == nil {
			return lease, nil
		}

		wait := acquireWaitMin
		var ue *keypool.UnavailableError
		if errors.As(err, &ue) {
			wait = time.Until(ue.NextPossible)
		}
		if wait < acquireWaitMin {
			wait = acquireWaitMin
		}
		if wait > acquireWaitMax {
			wait = acquireWaitMax
		}

		if prov == domain.ProviderPrimary && d.pool.HasCapacity(domain.ProviderFallback) {
			if _, ok := d.adapters[domain.ProviderFallback]; ok {
				return nil, errUseFallback
			}
		}
		if !sleepOrStop(ctx, cancelled, wait) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, domain.ErrBatchCancelled
		}
	}
}

// sleepOrStop sleeps for d unless the context ends or cancellation is
// requested first; it reports whether the full sleep elapsed.
func sleepOrStop(ctx context.Context, cancelled <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-cancelled:
		return false
	case <-timer.C:
		return true
	}
}

func cancelRequested(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
