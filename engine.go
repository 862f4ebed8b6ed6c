package possync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/possync/errors"
	"github.com/c0deZ3R0/possync/logging"
	"github.com/c0deZ3R0/possync/metrics"
)

var (
	// ErrRunInProgress is returned when Run is called while another run
	// is active. Runs never overlap on the same local store.
	ErrRunInProgress = errors.New("sync run already in progress")

	// ErrEngineClosed is returned after Close.
	ErrEngineClosed = errors.New("sync engine is closed")
)

const (
	defaultPushBatchSize = 50
	defaultPullPageSize  = 1000
	defaultUnsyncedLimit = 1000
	maxWorkers           = 4
)

// Options configures the synchronization behavior.
type Options struct {
	// PushBatchSize bounds the size of a single push request. Default 50.
	PushBatchSize int

	// PullPageSize is the limit used for offset/limit paging. Default 1000.
	PullPageSize int

	// UnsyncedLimit caps how many unsynchronized records one run fetches
	// per entity. Default 1000.
	UnsyncedLimit int

	// Workers bounds concurrent entity processing. Defaults to the number
	// of registered entities, capped at 4.
	Workers int

	// AutoSyncInterval enables periodic runs via StartAutoSync (0 disables).
	AutoSyncInterval time.Duration

	// Logger defaults to the package-wide logger.
	Logger *logging.Logger

	// Metrics defaults to a no-op collector.
	Metrics metrics.Collector
}

func (o *Options) setDefaults(registrySize int) {
	if o.PushBatchSize <= 0 {
		o.PushBatchSize = defaultPushBatchSize
	}
	if o.PullPageSize <= 0 {
		o.PullPageSize = defaultPullPageSize
	}
	if o.UnsyncedLimit <= 0 {
		o.UnsyncedLimit = defaultUnsyncedLimit
	}
	if o.Workers <= 0 {
		o.Workers = registrySize
		if o.Workers > maxWorkers {
			o.Workers = maxWorkers
		}
		if o.Workers < 1 {
			o.Workers = 1
		}
	}
	if o.Logger == nil {
		o.Logger = logging.WithComponent("engine")
	}
	if o.Metrics == nil {
		o.Metrics = metrics.NoOp{}
	}
}

// Engine drives push-then-pull for every registered entity and aggregates
// the outcome into a RunResult. One Engine owns one local store; callers
// must not run two engines against the same store file.
type Engine struct {
	store     LocalStore
	conflicts ConflictStore
	transport Transport
	registry  Registry
	options   Options

	mu          sync.Mutex
	running     bool
	closed      bool
	autoStop    chan struct{}
	subscribers []func(*RunResult)
}

// NewEngine creates a sync engine. A nil opts selects all defaults.
func NewEngine(store LocalStore, conflicts ConflictStore, transport Transport, registry Registry, opts *Options) *Engine {
	var o Options
	if opts != nil {
		o = *opts
	}
	o.setDefaults(len(registry))

	return &Engine{
		store:     store,
		conflicts: conflicts,
		transport: transport,
		registry:  registry,
		options:   o,
	}
}

// Run performs one full synchronization pass: for each registered entity,
// push then pull, with entities processed concurrently up to the worker
// bound. An authentication failure aborts the whole run; every other
// failure is scoped to its entity. Run never panics and always produces a
// RunResult; the error return is non-nil only when the run could not
// start at all.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if e.running {
		e.mu.Unlock()
		return nil, ErrRunInProgress
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	result := &RunResult{
		StartTime: time.Now(),
		Entities:  make([]EntityResult, len(e.registry)),
	}
	defer func() {
		result.Duration = time.Since(result.StartTime)
		e.options.Metrics.RecordRunDuration(result.Duration, string(result.Status))
		e.notifySubscribers(result)
	}()

	e.options.Logger.InfoContext(ctx, "sync run started",
		slog.Int("entities", len(e.registry)),
		slog.Int("workers", e.options.Workers))

	// runCtx is cancelled on auth failure so no further entity, sub-batch
	// or page is started anywhere in the pool.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		authOnce sync.Once
		authErr  error
	)

	jobs := make(chan int)
	for w := 0; w < e.options.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				desc := e.registry[idx]
				if runCtx.Err() != nil {
					result.Entities[idx] = skippedResult(desc, runCtx.Err())
					continue
				}
				er := e.syncEntity(runCtx, desc)
				result.Entities[idx] = er
				if er.authFailed {
					authOnce.Do(func() {
						authErr = er.err
						cancel()
					})
				}
			}
		}()
	}

	for idx := range e.registry {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	result.aggregate()

	if authErr != nil {
		result.Status = StatusError
		e.options.Logger.LogError(ctx, authErr, "sync run aborted: authentication failure")
	} else {
		e.options.Logger.InfoContext(ctx, "sync run finished",
			slog.String("status", string(result.Status)),
			slog.Int("uploaded", result.Uploaded),
			slog.Int("downloaded", result.Downloaded),
			slog.Int("conflicts", result.Conflicts),
			slog.Duration("duration", time.Since(result.StartTime)))
	}

	return result, nil
}

func skippedResult(desc EntityDescriptor, cause error) EntityResult {
	return EntityResult{
		Table:   desc.Table,
		Status:  StatusError,
		Message: fmt.Sprintf("not attempted: %v", cause),
	}
}

// syncEntity runs push then pull for one entity. Push must fully complete
// before pull begins so a downloaded record cannot overwrite an in-flight
// upload's local state. A panic in entity processing is contained here:
// one entity's failure never prevents the others from running.
func (e *Engine) syncEntity(ctx context.Context, desc EntityDescriptor) (er EntityResult) {
	er = EntityResult{Table: desc.Table, Status: StatusSuccess}
	logger := e.options.Logger.WithTable(desc.Table)

	defer func() {
		if r := recover(); r != nil {
			er.Status = StatusError
			er.Message = fmt.Sprintf("unexpected failure: %v", r)
			er.err = fmt.Errorf("panic in entity %s: %v", desc.Table, r)
			e.options.Metrics.RecordError(desc.Table, "UNEXPECTED_FAILURE")
			logger.Error("entity sync panicked", slog.Any("panic", r))
		}
	}()

	var hardErrs []string

	if desc.Upload && desc.HasSync {
		stats, err := e.pushEntity(ctx, desc, logger)
		er.Uploaded = stats.uploaded
		er.Conflicts += stats.conflicts
		if err != nil {
			if syncErrors.IsAuthFailure(err) {
				er.authFailed = true
				er.err = err
				er.Status = StatusError
				er.Message = fmt.Sprintf("authentication failure: %v", err)
				return er
			}
			hardErrs = append(hardErrs, fmt.Sprintf("push: %v", err))
		}
		hardErrs = append(hardErrs, stats.failures...)
	}

	// Pull proceeds regardless of the push outcome: a failed push must
	// not block remote changes from coming down.
	if desc.Download {
		stats, err := e.pullEntity(ctx, desc, logger)
		er.Downloaded = stats.applied
		er.Conflicts += stats.conflicts
		if err != nil {
			if syncErrors.IsAuthFailure(err) {
				er.authFailed = true
				er.err = err
				er.Status = StatusError
				er.Message = fmt.Sprintf("authentication failure: %v", err)
				return er
			}
			hardErrs = append(hardErrs, fmt.Sprintf("pull: %v", err))
		}
		hardErrs = append(hardErrs, stats.failures...)
	}

	e.options.Metrics.RecordEntitySynced(desc.Table, er.Uploaded, er.Downloaded)
	e.options.Metrics.RecordConflicts(desc.Table, er.Conflicts)

	switch {
	case len(hardErrs) > 0:
		er.Status = StatusError
		er.Message = joinLimited(hardErrs, 3)
	case er.Conflicts > 0:
		er.Status = StatusPartial
		er.Message = fmt.Sprintf("%d conflict(s) recorded", er.Conflicts)
	default:
		er.Message = "ok"
	}
	return er
}

// joinLimited joins at most n messages, noting how many were dropped.
func joinLimited(msgs []string, n int) string {
	if len(msgs) <= n {
		out := msgs[0]
		for _, m := range msgs[1:] {
			out += "; " + m
		}
		return out
	}
	out := joinLimited(msgs[:n], n)
	return fmt.Sprintf("%s; and %d more error(s)", out, len(msgs)-n)
}

// StartAutoSync begins automatic synchronization at the configured interval.
func (e *Engine) StartAutoSync(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	if e.options.AutoSyncInterval <= 0 {
		return fmt.Errorf("auto sync interval must be positive")
	}
	if e.autoStop != nil {
		return fmt.Errorf("auto sync is already running")
	}

	e.autoStop = make(chan struct{})
	stop := e.autoStop

	go func() {
		ticker := time.NewTicker(e.options.AutoSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if _, err := e.Run(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
					e.options.Logger.LogError(ctx, err, "auto sync run failed to start")
				}
			}
		}
	}()

	return nil
}

// StopAutoSync stops automatic synchronization.
func (e *Engine) StopAutoSync() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.autoStop == nil {
		return fmt.Errorf("auto sync is not running")
	}
	close(e.autoStop)
	e.autoStop = nil
	return nil
}

// Subscribe registers a handler invoked with every completed RunResult.
func (e *Engine) Subscribe(handler func(*RunResult)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrEngineClosed
	}
	e.subscribers = append(e.subscribers, handler)
	return nil
}

// Close shuts down the engine, the transport and the local store.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if e.autoStop != nil {
		close(e.autoStop)
		e.autoStop = nil
	}

	var errs []error
	if err := e.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close transport: %w", err))
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (e *Engine) notifySubscribers(result *RunResult) {
	e.mu.Lock()
	subscribers := make([]func(*RunResult), len(e.subscribers))
	copy(subscribers, e.subscribers)
	e.mu.Unlock()

	for _, handler := range subscribers {
		go func(h func(*RunResult)) {
			defer func() {
				// A panicking subscriber must not take down the engine.
				_ = recover()
			}()
			h(result)
		}(handler)
	}
}
