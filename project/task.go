// Package project owns the per-repository state: the pending event queue,
// the exclusive guard that keeps a repository to one mirror pass at a time,
// and post-pass verification with deferred retries.
package project

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/gitsync/event"
	"github.com/maxpert/gitsync/mirror"
	"github.com/maxpert/gitsync/publisher"
	"github.com/maxpert/gitsync/scheduler"
	"github.com/maxpert/gitsync/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Defaults applied by New
const (
	DefaultTimeout    = 90 * time.Minute
	DefaultRetryDelay = 10 * time.Second
	DefaultMaxRetries = 10
)

// Pusher re-queues a task on the shared scheduler
type Pusher interface {
	Push(j scheduler.Job)
}

// VerifyFunc reports whether revision is present in the mirror at path
type VerifyFunc func(path, revision string) (bool, error)

// Options configures a Task
type Options struct {
	Name      string // Project name
	Source    string // Owning source, for logs
	From      string
	To        string
	Publisher publisher.Publisher
	Scheduler Pusher
	DryRun    bool

	Timeout    time.Duration // Mirror child deadline
	Grace      time.Duration // Wait between TERM and KILL
	RetryDelay time.Duration // Delay before re-checking an unconfirmed event
	MaxRetries int           // Re-checks before a forced publish

	Command mirror.CommandFunc // Builds the mirror child, defaults to mirror.Command
	Verify  VerifyFunc         // Defaults to mirror.HasRevision
}

// Status is a point-in-time view of a task
type Status struct {
	Name       string    `json:"name"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Running    bool      `json:"running"`
	Pending    int       `json:"pending"`
	Retries    int       `json:"retries"`
	Passes     int       `json:"passes"`
	Published  int       `json:"published"`
	Forced     int       `json:"forced"`
	LastResult string    `json:"last_result,omitempty"`
	LastPass   time.Time `json:"last_pass"`
}

// Task mirrors one repository. Events are appended from any goroutine; a
// single pass at a time drains and handles them.
type Task struct {
	opts   Options
	logger zerolog.Logger

	guard  atomic.Bool  // Held for the duration of a mirror pass
	active atomic.Int32 // Non-zero while RunIfIdle is dispatching
	done   atomic.Bool  // At least one pass completed

	mu      sync.Mutex
	pending []*event.Event

	retries   atomic.Int32
	timersMu  sync.Mutex
	timers    map[*time.Timer]struct{}
	published atomic.Int32
	forced    atomic.Int32

	statusMu   sync.Mutex
	passes     int
	lastResult string
	lastPass   time.Time
}

// New creates a task. A local from path that does not exist is retried with
// a .git suffix before giving up.
func New(opts Options) (*Task, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("project name is required")
	}
	if opts.To == "" {
		return nil, fmt.Errorf("destination is required for %s", opts.Name)
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required for %s", opts.Name)
	}

	from, err := ResolveFrom(opts.From)
	if err != nil {
		return nil, err
	}
	opts.From = from

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Grace <= 0 {
		opts.Grace = mirror.DefaultGracePeriod
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Command == nil {
		opts.Command = mirror.Command
	}
	if opts.Verify == nil {
		opts.Verify = mirror.HasRevision
	}

	return &Task{
		opts: opts,
		logger: log.With().
			Str("source", opts.Source).
			Str("project", opts.Name).
			Logger(),
		timers: make(map[*time.Timer]struct{}),
	}, nil
}

// ResolveFrom checks local paths, accepting the bare form <from>.git
func ResolveFrom(from string) (string, error) {
	if from == "" {
		return "", fmt.Errorf("source url is required")
	}
	if !strings.HasPrefix(from, "/") {
		return from, nil
	}
	if _, err := os.Stat(from); err == nil {
		return from, nil
	}
	if _, err := os.Stat(from + ".git"); err == nil {
		return from + ".git", nil
	}
	return "", fmt.Errorf("unable to sync '%s': no such repository", from)
}

// Name returns the project name
func (t *Task) Name() string {
	return t.opts.Name
}

// From returns the upstream URL
func (t *Task) From() string {
	return t.opts.From
}

// To returns the mirror path
func (t *Task) To() string {
	return t.opts.To
}

// AddEvent appends an event to the pending queue
func (t *Task) AddEvent(ev *event.Event) {
	t.mu.Lock()
	t.pending = append(t.pending, ev)
	t.mu.Unlock()
}

// PendingLen returns the number of events waiting for a pass
func (t *Task) PendingLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Task) drain() []*event.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	batch := t.pending
	t.pending = nil
	return batch
}

// RunIfIdle runs one pass over the currently pending events unless a pass
// is already in flight, in which case it returns at once
func (t *Task) RunIfIdle(ctx context.Context) {
	if !t.guard.CompareAndSwap(false, true) {
		t.logger.Debug().Msg("Pass already in flight, skipping")
		return
	}
	t.active.Add(1)
	defer t.active.Add(-1)

	batch, ok, ran := t.pass(ctx)
	if ran {
		for _, ev := range batch {
			t.dispatch(ctx, ev, ok)
		}
	}

	if t.PendingLen() > 0 {
		t.opts.Scheduler.Push(t)
	}
}

// pass drains the queue and runs one mirror pass under the guard
func (t *Task) pass(ctx context.Context) (batch []*event.Event, ok bool, ran bool) {
	defer t.guard.Store(false)

	batch = t.drain()
	if len(batch) == 0 {
		return nil, false, false
	}

	t.logger.Info().Int("events", len(batch)).Str("phase", "sync").Msg("Starting sync")
	ok = t.sync(ctx)
	t.done.Store(true)
	t.logger.Info().
		Int("events", len(batch)).
		Bool("ok", ok).
		Int("leftovers", t.PendingLen()).
		Str("phase", "sync").
		Msg("Sync done")
	return batch, ok, true
}

// sync performs one clone or update of the mirror
func (t *Task) sync(ctx context.Context) bool {
	mode, err := mirror.Plan(t.opts.To)
	if err != nil {
		t.record("plan-error")
		t.logger.Error().Err(err).Str("phase", "plan").Msg("Unable to inspect destination")
		return false
	}

	if t.opts.DryRun {
		t.logger.Info().Str("mode", string(mode)).Msg("Dry run, skipping mirror")
		t.record("dry-run")
		return true
	}

	cmd, err := t.opts.Command(ctx, mode, t.opts.From, t.opts.To)
	if err != nil {
		t.record("error")
		t.logger.Error().Err(err).Str("phase", string(mode)).Msg("Unable to start mirror")
		return false
	}

	start := time.Now()
	out := mirror.Run(ctx, cmd, t.opts.Timeout, t.opts.Grace)
	telemetry.MirrorPassSeconds.With(string(mode)).Observe(time.Since(start).Seconds())

	switch {
	case out.OK():
		telemetry.MirrorPassesTotal.With(string(mode), "ok").Inc()
		t.record("ok")
		return true
	case out.Corrupted():
		telemetry.MirrorPassesTotal.With(string(mode), "corrupted").Inc()
		telemetry.CorruptionsTotal.Inc()
		t.record("corrupted")
		t.logger.Error().Str("phase", string(mode)).Msg("Mirror was corrupted and removed")
	case out.TimedOut:
		telemetry.MirrorPassesTotal.With(string(mode), "timeout").Inc()
		t.record("timeout")
		t.logger.Error().
			Bool("killed", out.Killed).
			Dur("timeout", t.opts.Timeout).
			Str("phase", string(mode)).
			Msg("Mirror timed out")
	default:
		telemetry.MirrorPassesTotal.With(string(mode), "failed").Inc()
		t.record("failed")
		t.logger.Error().Str("outcome", out.String()).Str("phase", string(mode)).Msg("Mirror failed")
	}
	return false
}

func (t *Task) record(result string) {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	t.passes++
	t.lastResult = result
	t.lastPass = time.Now()
}

// confirmed reports whether the mirror holds the event's revision
func (t *Task) confirmed(ev *event.Event, passOK bool) bool {
	if !passOK {
		return false
	}
	if !ev.Verifiable() || t.opts.DryRun {
		return true
	}

	ok, err := t.opts.Verify(t.opts.To, ev.Revision)
	if err != nil {
		t.logger.Warn().Err(err).Str("revision", ev.Revision).Str("phase", "verify").Msg("Unable to check revision")
		return false
	}
	if !ok {
		t.logger.Warn().Str("revision", ev.Revision).Str("phase", "verify").Msg("Revision not found in mirror")
	}
	return ok
}

func (t *Task) dispatch(ctx context.Context, ev *event.Event, passOK bool) {
	if t.confirmed(ev, passOK) {
		telemetry.VerificationsTotal.With("confirmed").Inc()
		t.publish(ev)
		return
	}

	if ev.RetryCount >= t.opts.MaxRetries {
		telemetry.VerificationsTotal.With("forced").Inc()
		t.forced.Add(1)
		t.logger.Warn().
			Bool("forced_publish", true).
			Int("retries", ev.RetryCount).
			Str("event", ev.String()).
			Msg("Unable to confirm event, publishing anyway")
		t.publish(ev)
		return
	}

	ev.RetryCount++
	telemetry.VerificationsTotal.With("retry").Inc()
	t.logger.Info().
		Int("retries", ev.RetryCount).
		Dur("delay", t.opts.RetryDelay).
		Str("event", ev.String()).
		Msg("Check failed, retrying later")
	t.scheduleRetry(ctx, ev)
}

func (t *Task) publish(ev *event.Event) {
	t.published.Add(1)
	if t.opts.Publisher != nil {
		t.opts.Publisher.Publish(ev)
	}
}

// scheduleRetry re-adds ev after the retry delay without holding a worker
func (t *Task) scheduleRetry(ctx context.Context, ev *event.Event) {
	t.retries.Add(1)

	var timer *time.Timer
	t.timersMu.Lock()
	timer = time.AfterFunc(t.opts.RetryDelay, func() {
		t.timersMu.Lock()
		delete(t.timers, timer)
		t.timersMu.Unlock()
		defer t.retries.Add(-1)

		if ctx.Err() != nil {
			return
		}
		t.AddEvent(ev)
		t.opts.Scheduler.Push(t)
	})
	t.timers[timer] = struct{}{}
	t.timersMu.Unlock()
}

// Close cancels outstanding deferred retries
func (t *Task) Close() {
	t.timersMu.Lock()
	defer t.timersMu.Unlock()
	for timer := range t.timers {
		if timer.Stop() {
			t.retries.Add(-1)
		}
		delete(t.timers, timer)
	}
}

// Done reports whether at least one pass has completed
func (t *Task) Done() bool {
	return t.done.Load()
}

// Idle reports that nothing is pending, running or waiting on a retry
func (t *Task) Idle() bool {
	return t.active.Load() == 0 && !t.guard.Load() && t.retries.Load() == 0 && t.PendingLen() == 0
}

// RetriesPending returns the number of outstanding deferred retries
func (t *Task) RetriesPending() int {
	return int(t.retries.Load())
}

// Status returns a snapshot for reporting
func (t *Task) Status() Status {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()
	return Status{
		Name:       t.opts.Name,
		From:       t.opts.From,
		To:         t.opts.To,
		Running:    t.guard.Load(),
		Pending:    t.PendingLen(),
		Retries:    int(t.retries.Load()),
		Passes:     t.passes,
		Published:  int(t.published.Load()),
		Forced:     int(t.forced.Load()),
		LastResult: t.lastResult,
		LastPass:   t.lastPass,
	}
}
