package project

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/gitsync/event"
	"github.com/maxpert/gitsync/mirror"
	"github.com/maxpert/gitsync/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*event.Event
}

func (p *recordingPublisher) Publish(ev *event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func (p *recordingPublisher) snapshot() []*event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*event.Event(nil), p.events...)
}

type recordingPusher struct {
	pushes atomic.Int32
}

func (p *recordingPusher) Push(scheduler.Job) {
	p.pushes.Add(1)
}

func shellCommand(script string) mirror.CommandFunc {
	return func(ctx context.Context, mode mirror.Mode, from, to string) (*exec.Cmd, error) {
		return exec.Command("/bin/sh", "-c", script, to), nil
	}
}

// cloneCommand fakes a successful clone by creating the object store
func cloneCommand(modes *[]mirror.Mode) mirror.CommandFunc {
	return func(ctx context.Context, mode mirror.Mode, from, to string) (*exec.Cmd, error) {
		*modes = append(*modes, mode)
		return exec.Command("/bin/sh", "-c", `mkdir -p "$0/objects"`, to), nil
	}
}

func refUpdated(t *testing.T, project, rev string) *event.Event {
	t.Helper()
	ev, err := event.Parse([]byte(`{"type":"ref-updated","refUpdate":{"project":"` + project + `","refName":"refs/heads/main","newRev":"` + rev + `"}}`))
	require.NoError(t, err)
	return ev
}

const rev = "89abcdef0123456789abcdef0123456789abcdef"

func newTask(t *testing.T, opts Options) *Task {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "libs/core"
	}
	if opts.From == "" {
		opts.From = "ssh://gerrit:29418/" + opts.Name
	}
	if opts.To == "" {
		opts.To = filepath.Join(t.TempDir(), opts.Name+".git")
	}
	if opts.Scheduler == nil {
		opts.Scheduler = &recordingPusher{}
	}
	if opts.Command == nil {
		opts.Command = shellCommand("exit 0")
	}
	task, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(task.Close)
	return task
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Name: "a"})
	assert.Error(t, err)

	_, err = New(Options{Name: "a", To: "/tmp/a.git"})
	assert.Error(t, err)

	_, err = New(Options{Name: "a", To: "/tmp/a.git", Scheduler: &recordingPusher{}})
	assert.Error(t, err, "from is required")
}

func TestResolveFrom(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "bare.git"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "plain"), 0755))

	got, err := ResolveFrom(filepath.Join(dir, "plain"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "plain"), got)

	got, err = ResolveFrom(filepath.Join(dir, "bare"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "bare.git"), got)

	_, err = ResolveFrom(filepath.Join(dir, "missing"))
	assert.ErrorContains(t, err, "unable to sync")

	got, err = ResolveFrom("ssh://gerrit:29418/tools")
	require.NoError(t, err)
	assert.Equal(t, "ssh://gerrit:29418/tools", got)
}

func TestRunIfIdle_FreshRootClonesAndPublishesInit(t *testing.T) {
	var modes []mirror.Mode
	pub := &recordingPublisher{}
	root := t.TempDir()

	task := newTask(t, Options{
		Name:      "teams/alpha",
		To:        filepath.Join(root, "teams/alpha.git"),
		Publisher: pub,
		Command:   cloneCommand(&modes),
	})

	task.AddEvent(event.NewInit("teams/alpha", "host"))
	task.RunIfIdle(context.Background())

	assert.Equal(t, []mirror.Mode{mirror.ModeClone}, modes)
	assert.DirExists(t, filepath.Join(root, "teams/alpha.git", "objects"))
	require.Equal(t, 1, pub.count())
	assert.Equal(t, event.KindSyncInit, pub.snapshot()[0].Kind)
	assert.True(t, task.Done())
	assert.True(t, task.Idle())
	assert.Equal(t, "ok", task.Status().LastResult)
}

func TestRunIfIdle_PublishesWhenRevisionPresent(t *testing.T) {
	pub := &recordingPublisher{}
	var checked []string
	task := newTask(t, Options{
		Publisher: pub,
		Verify: func(path, revision string) (bool, error) {
			checked = append(checked, revision)
			return true, nil
		},
	})

	ev := refUpdated(t, "libs/core", rev)
	task.AddEvent(ev)
	task.RunIfIdle(context.Background())

	assert.Equal(t, []string{rev}, checked)
	require.Equal(t, 1, pub.count())
	assert.Equal(t, 0, ev.RetryCount)
}

func TestRunIfIdle_MissingRevisionSchedulesRetry(t *testing.T) {
	pub := &recordingPublisher{}
	pusher := &recordingPusher{}
	task := newTask(t, Options{
		Publisher:  pub,
		Scheduler:  pusher,
		RetryDelay: 10 * time.Millisecond,
		MaxRetries: 10,
		Verify:     func(string, string) (bool, error) { return false, nil },
	})

	ev := refUpdated(t, "libs/core", rev)
	task.AddEvent(ev)
	task.RunIfIdle(context.Background())

	assert.Equal(t, 0, pub.count())
	assert.Equal(t, 1, ev.RetryCount)
	assert.False(t, task.Idle(), "retry outstanding")

	require.Eventually(t, func() bool { return pusher.pushes.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, task.PendingLen())
	assert.Equal(t, 0, task.RetriesPending())
}

func TestRunIfIdle_ForcedPublishAfterMaxRetries(t *testing.T) {
	pub := &recordingPublisher{}
	task := newTask(t, Options{
		Publisher:  pub,
		MaxRetries: 10,
		Verify:     func(string, string) (bool, error) { return false, nil },
	})

	ev := refUpdated(t, "libs/core", rev)
	ev.RetryCount = 10
	task.AddEvent(ev)
	task.RunIfIdle(context.Background())

	require.Equal(t, 1, pub.count())
	assert.Equal(t, 10, ev.RetryCount)
	assert.Equal(t, 1, task.Status().Forced)
	assert.True(t, task.Idle())
}

func TestRunIfIdle_TenFailedChecksThenForcedPublish(t *testing.T) {
	pub := &recordingPublisher{}
	sched := scheduler.New(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	var checks atomic.Int32
	task := newTask(t, Options{
		Publisher:  pub,
		Scheduler:  sched,
		RetryDelay: time.Millisecond,
		MaxRetries: 10,
		Verify: func(string, string) (bool, error) {
			checks.Add(1)
			return false, nil
		},
	})

	ev := refUpdated(t, "libs/core", rev)
	task.AddEvent(ev)
	sched.Push(task)

	require.Eventually(t, func() bool { return pub.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(11), checks.Load())
	assert.Equal(t, 10, pub.snapshot()[0].RetryCount)
	require.Eventually(t, task.Idle, time.Second, 5*time.Millisecond)
	assert.Equal(t, 11, task.Status().Passes)
}

func TestRunIfIdle_FailedPassIsNotConfirmed(t *testing.T) {
	pub := &recordingPublisher{}
	verified := false
	task := newTask(t, Options{
		Publisher:  pub,
		RetryDelay: time.Hour,
		Command:    shellCommand("exit 7"),
		Verify: func(string, string) (bool, error) {
			verified = true
			return true, nil
		},
	})

	ev := event.NewInit("libs/core", "host")
	task.AddEvent(ev)
	task.RunIfIdle(context.Background())

	assert.False(t, verified)
	assert.Equal(t, 0, pub.count())
	assert.Equal(t, 1, ev.RetryCount)
	assert.Equal(t, "failed", task.Status().LastResult)
}

func TestRunIfIdle_CorruptedExit(t *testing.T) {
	task := newTask(t, Options{RetryDelay: time.Hour, Command: shellCommand("exit 3")})
	task.AddEvent(event.NewInit("libs/core", "host"))
	task.RunIfIdle(context.Background())

	assert.Equal(t, "corrupted", task.Status().LastResult)
	assert.Equal(t, 1, task.RetriesPending())
}

func TestRunIfIdle_TimeoutEscalation(t *testing.T) {
	pub := &recordingPublisher{}
	task := newTask(t, Options{
		Publisher:  pub,
		RetryDelay: time.Hour,
		Timeout:    50 * time.Millisecond,
		Grace:      50 * time.Millisecond,
		Command:    shellCommand(`trap "" TERM; sleep 30`),
	})

	task.AddEvent(event.NewInit("libs/core", "host"))
	start := time.Now()
	task.RunIfIdle(context.Background())

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, "timeout", task.Status().LastResult)
	assert.Equal(t, 0, pub.count())
}

func TestRunIfIdle_CorruptedDestinationIsRecloned(t *testing.T) {
	var modes []mirror.Mode
	to := filepath.Join(t.TempDir(), "x.git")
	require.NoError(t, os.MkdirAll(to, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(to, "HEAD"), []byte("ref: refs/heads/main"), 0644))

	pub := &recordingPublisher{}
	task := newTask(t, Options{Name: "x", To: to, Publisher: pub, Command: cloneCommand(&modes)})
	task.AddEvent(event.NewInit("x", "host"))
	task.RunIfIdle(context.Background())

	assert.Equal(t, []mirror.Mode{mirror.ModeClone}, modes)
	assert.NoFileExists(t, filepath.Join(to, "HEAD"))
	assert.DirExists(t, filepath.Join(to, "objects"))
	assert.Equal(t, 1, pub.count())
}

func TestRunIfIdle_UpdateForExistingMirror(t *testing.T) {
	var modes []mirror.Mode
	to := filepath.Join(t.TempDir(), "x.git")
	require.NoError(t, os.MkdirAll(filepath.Join(to, "objects"), 0755))

	task := newTask(t, Options{Name: "x", To: to, Command: cloneCommand(&modes)})
	task.AddEvent(event.NewInit("x", "host"))
	task.RunIfIdle(context.Background())

	assert.Equal(t, []mirror.Mode{mirror.ModeUpdate}, modes)
}

func TestRunIfIdle_DryRun(t *testing.T) {
	pub := &recordingPublisher{}
	called := false
	task := newTask(t, Options{
		Publisher: pub,
		DryRun:    true,
		Command: func(context.Context, mirror.Mode, string, string) (*exec.Cmd, error) {
			called = true
			return nil, nil
		},
	})

	task.AddEvent(refUpdated(t, "libs/core", rev))
	task.RunIfIdle(context.Background())

	assert.False(t, called)
	assert.Equal(t, 1, pub.count())
	assert.Equal(t, "dry-run", task.Status().LastResult)
}

func TestRunIfIdle_DeletedRefIsConfirmedWithoutLookup(t *testing.T) {
	pub := &recordingPublisher{}
	task := newTask(t, Options{
		Publisher: pub,
		Verify: func(string, string) (bool, error) {
			t.Fatal("verify should not be called")
			return false, nil
		},
	})

	task.AddEvent(refUpdated(t, "libs/core", "0000000000000000000000000000000000000000"))
	task.RunIfIdle(context.Background())
	assert.Equal(t, 1, pub.count())
}

func TestRunIfIdle_EmptyQueueSkipsPass(t *testing.T) {
	calls := 0
	task := newTask(t, Options{
		Command: func(context.Context, mirror.Mode, string, string) (*exec.Cmd, error) {
			calls++
			return exec.Command("/bin/sh", "-c", "exit 0"), nil
		},
	})

	task.RunIfIdle(context.Background())
	assert.Equal(t, 0, calls)
	assert.False(t, task.Done())
}

func TestRunIfIdle_EventDuringPassGoesToNextPass(t *testing.T) {
	pub := &recordingPublisher{}
	pusher := &recordingPusher{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var passes atomic.Int32

	task := newTask(t, Options{
		Name:      "libs/core",
		Publisher: pub,
		Scheduler: pusher,
		Command: func(context.Context, mirror.Mode, string, string) (*exec.Cmd, error) {
			if passes.Add(1) == 1 {
				close(entered)
				<-release
			}
			return exec.Command("/bin/sh", "-c", "exit 0"), nil
		},
	})

	first := event.NewInit("libs/core", "host")
	task.AddEvent(first)

	done := make(chan struct{})
	go func() {
		task.RunIfIdle(context.Background())
		close(done)
	}()
	<-entered

	second, err := event.Parse([]byte(`{"type":"patchset-created","change":{"project":"libs/core"},"patchSet":{"ref":"refs/changes/01/1/1"}}`))
	require.NoError(t, err)
	task.AddEvent(second)

	// A concurrent run is a no-op while the guard is held
	task.RunIfIdle(context.Background())
	assert.Equal(t, int32(1), passes.Load())

	close(release)
	<-done

	require.Equal(t, 1, pub.count())
	assert.Same(t, first, pub.snapshot()[0])
	assert.Equal(t, 1, task.PendingLen())
	assert.Equal(t, int32(1), pusher.pushes.Load(), "task re-pushed for leftover work")

	task.RunIfIdle(context.Background())
	require.Equal(t, 2, pub.count())
	assert.Same(t, second, pub.snapshot()[1])
	assert.Equal(t, int32(2), passes.Load())
}

func TestRunIfIdle_AtMostOnePassInFlight(t *testing.T) {
	var inflight, maxInflight atomic.Int32
	task := newTask(t, Options{
		Command: func(context.Context, mirror.Mode, string, string) (*exec.Cmd, error) {
			n := inflight.Add(1)
			for {
				m := maxInflight.Load()
				if n <= m || maxInflight.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inflight.Add(-1)
			return exec.Command("/bin/sh", "-c", "exit 0"), nil
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				task.AddEvent(event.NewInit("libs/core", "host"))
				task.RunIfIdle(context.Background())
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInflight.Load())
}

func TestClose_CancelsRetries(t *testing.T) {
	pusher := &recordingPusher{}
	task := newTask(t, Options{
		Scheduler:  pusher,
		RetryDelay: time.Hour,
		Verify:     func(string, string) (bool, error) { return false, nil },
	})

	task.AddEvent(refUpdated(t, "libs/core", rev))
	task.RunIfIdle(context.Background())
	assert.Equal(t, 1, task.RetriesPending())

	task.Close()
	assert.Equal(t, 0, task.RetriesPending())
	assert.True(t, task.Idle())
	assert.Equal(t, int32(0), pusher.pushes.Load())
}

func TestRetry_DroppedAfterCancel(t *testing.T) {
	pusher := &recordingPusher{}
	task := newTask(t, Options{
		Scheduler:  pusher,
		RetryDelay: 10 * time.Millisecond,
		Verify:     func(string, string) (bool, error) { return false, nil },
	})

	ctx, cancel := context.WithCancel(context.Background())
	task.AddEvent(refUpdated(t, "libs/core", rev))
	task.RunIfIdle(ctx)
	cancel()

	require.Eventually(t, func() bool { return task.RetriesPending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, task.PendingLen())
	assert.Equal(t, int32(0), pusher.pushes.Load())
}
