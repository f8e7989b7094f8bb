package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/maxpert/gitsync/cfg"
	"github.com/maxpert/gitsync/event"
	"github.com/maxpert/gitsync/project"
	"github.com/maxpert/gitsync/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFrom = "ssh://gerrit.example.com:29418/"

type fakeLister struct {
	projects []string
	err      error
}

func (l fakeLister) ListProjects(context.Context) ([]string, error) {
	return l.projects, l.err
}

// scriptedStreamer runs one step per Stream call, then blocks until ctx ends
type scriptedStreamer struct {
	calls atomic.Int32
	steps []func(handle func([]byte) error) error
}

func (s *scriptedStreamer) Stream(ctx context.Context, handle func([]byte) error) error {
	n := int(s.calls.Add(1)) - 1
	if n < len(s.steps) {
		return s.steps[n](handle)
	}
	<-ctx.Done()
	return ctx.Err()
}

type recordingPusher struct {
	mu   sync.Mutex
	jobs []scheduler.Job
}

func (p *recordingPusher) Push(j scheduler.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, j)
}

func (p *recordingPusher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.jobs))
	for i, j := range p.jobs {
		out[i] = j.Name()
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*event.Event
}

func (p *recordingPublisher) Publish(ev *event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func gerritConfig(to string, filters ...string) cfg.SourceConfiguration {
	return cfg.SourceConfiguration{
		Type:    cfg.SourceGerrit,
		Name:    "gerrit:test",
		Host:    "gerrit.example.com",
		Port:    cfg.DefaultGerritPort,
		From:    testFrom,
		To:      to,
		Filters: filters,
	}
}

func newSource(t *testing.T, opts Options) *Source {
	t.Helper()
	if opts.Config.Type == "" {
		opts.Config = gerritConfig(t.TempDir())
	}
	if opts.Lister == nil {
		opts.Lister = fakeLister{}
	}
	if opts.Streamer == nil {
		opts.Streamer = &scriptedStreamer{}
	}
	if opts.StreamRetry == 0 {
		opts.StreamRetry = 10 * time.Millisecond
	}
	opts.Origin = "test-host"
	src, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(src.Close)
	return src
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Config: gerritConfig("/srv/mirror")})
	assert.ErrorContains(t, err, "scheduler is required")

	_, err = New(Options{Config: gerritConfig(""), Scheduler: &recordingPusher{}})
	assert.ErrorContains(t, err, "no destination")

	_, err = New(Options{
		Config:    gerritConfig("/srv/mirror", "/[bad/"),
		Scheduler: &recordingPusher{},
		Lister:    fakeLister{},
		Streamer:  &scriptedStreamer{},
	})
	assert.ErrorContains(t, err, "invalid filter")
}

func TestRun_OneShotSeedsEveryProject(t *testing.T) {
	to := t.TempDir()
	c := gerritConfig(to)
	c.OneShot = true

	pusher := &recordingPusher{}
	streamer := &scriptedStreamer{}
	src := newSource(t, Options{
		Config:    c,
		Scheduler: pusher,
		Lister:    fakeLister{projects: []string{"tools", "teams/alpha"}},
		Streamer:  streamer,
	})

	require.NoError(t, src.Run(context.Background()))
	assert.Equal(t, StateDone, src.State())
	assert.Equal(t, []string{"tools", "teams/alpha"}, pusher.names())
	assert.Equal(t, int32(0), streamer.calls.Load())

	task, ok := src.Task("teams/alpha")
	require.True(t, ok)
	assert.Equal(t, testFrom+"teams/alpha", task.From())
	assert.Equal(t, filepath.Join(to, "teams", "alpha.git"), task.To())
	assert.Equal(t, 1, task.PendingLen())

	stats := src.ProjectStats()
	assert.Equal(t, "gerrit:test", stats.Source)
	assert.Equal(t, 2, stats.Projects)
	assert.Equal(t, 2, stats.PendingEvents)
}

func TestRun_DiscoveryError(t *testing.T) {
	src := newSource(t, Options{
		Scheduler: &recordingPusher{},
		Lister:    fakeLister{err: errors.New("connection refused")},
	})

	err := src.Run(context.Background())
	var derr *DiscoveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "gerrit:test", derr.Source)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, StateIdle, src.State())
	assert.False(t, src.Idle())
}

func TestQueueProject_OneTaskPerProject(t *testing.T) {
	pusher := &recordingPusher{}
	src := newSource(t, Options{Scheduler: pusher})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			src.QueueProject("tools", event.NewInit("tools", "test-host"))
		}()
	}
	wg.Wait()

	require.Len(t, src.Tasks(), 1)
	task, _ := src.Task("tools")
	assert.Equal(t, 20, task.PendingLen())

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	require.Len(t, pusher.jobs, 20)
	for _, j := range pusher.jobs {
		assert.Same(t, task, j)
	}
}

func TestQueueProject_FilteredProjectGetsNoTask(t *testing.T) {
	pusher := &recordingPusher{}
	pub := &recordingPublisher{}
	src := newSource(t, Options{
		Config:    gerritConfig(t.TempDir(), "teams/*"),
		Scheduler: pusher,
		Publisher: pub,
	})

	src.Route(&event.Event{Kind: event.KindRefUpdated, Type: event.TypeRefUpdated, Project: "tools", Revision: "abc"})
	src.QueueProject("teams/alpha", nil)

	_, ok := src.Task("tools")
	assert.False(t, ok)
	assert.Equal(t, []string{"teams/alpha"}, pusher.names())
	assert.Empty(t, pub.types())
}

func TestRoute_NonSyncEventsPublishImmediately(t *testing.T) {
	pusher := &recordingPusher{}
	pub := &recordingPublisher{}
	src := newSource(t, Options{Scheduler: pusher, Publisher: pub})

	require.NoError(t, src.HandleLine([]byte(`{"type":"comment-added","change":{"project":"tools","ref":"refs/changes/01/1/1"}}`)))

	assert.Equal(t, []string{"comment-added"}, pub.types())
	assert.Empty(t, pusher.names())
	assert.Empty(t, src.Tasks())
}

func TestRoute_FilteredProjectIsNotPublished(t *testing.T) {
	pusher := &recordingPusher{}
	pub := &recordingPublisher{}
	src := newSource(t, Options{
		Config:    gerritConfig(t.TempDir(), "teams/alpha"),
		Scheduler: pusher,
		Publisher: pub,
	})

	require.NoError(t, src.HandleLine([]byte(`{"type":"comment-added","change":{"project":"secret/other"}}`)))
	require.NoError(t, src.HandleLine([]byte(`{"type":"comment-added","change":{"project":"teams/alpha"}}`)))
	require.NoError(t, src.HandleLine([]byte(`{"type":"dropped-output"}`)))

	assert.Equal(t, []string{"comment-added", "dropped-output"}, pub.types())
	assert.Empty(t, pusher.names())
	_, ok := src.Task("secret/other")
	assert.False(t, ok)
}

func TestRoute_ManifestAlsoQueuesCompanion(t *testing.T) {
	pusher := &recordingPusher{}
	src := newSource(t, Options{Scheduler: pusher})

	require.NoError(t, src.HandleLine([]byte(`{"type":"ref-updated","refUpdate":{"project":"manifest","refName":"refs/heads/main","newRev":"1111111111111111111111111111111111111111"}}`)))

	assert.Equal(t, []string{ManifestProject, ManifestCompanion}, pusher.names())

	manifest, _ := src.Task(ManifestProject)
	companion, _ := src.Task(ManifestCompanion)
	require.NotNil(t, manifest)
	require.NotNil(t, companion)
	assert.Equal(t, filepath.Join(src.opts.Config.To, "repo", "manifest.git"), companion.To())
}

func TestRoute_MissingProjectIsDropped(t *testing.T) {
	pusher := &recordingPusher{}
	pub := &recordingPublisher{}
	src := newSource(t, Options{Scheduler: pusher, Publisher: pub})

	require.NoError(t, src.HandleLine([]byte(`{"type":"ref-updated","refUpdate":{"refName":"refs/heads/main"}}`)))

	assert.Empty(t, pusher.names())
	assert.Empty(t, pub.types())
}

func TestHandleLine_Malformed(t *testing.T) {
	src := newSource(t, Options{Scheduler: &recordingPusher{}})

	err := src.HandleLine([]byte(`{not json`))
	assert.ErrorIs(t, err, event.ErrMalformed)
}

func TestRun_StreamRestartsAfterFailures(t *testing.T) {
	pusher := &recordingPusher{}
	streamer := &scriptedStreamer{steps: []func(func([]byte) error) error{
		func(func([]byte) error) error {
			return errors.New("connection reset")
		},
		func(handle func([]byte) error) error {
			return handle([]byte(`garbage`))
		},
		func(func([]byte) error) error {
			panic("boom")
		},
		func(handle func([]byte) error) error {
			return handle([]byte(`{"type":"patchset-created","change":{"project":"tools"},"patchSet":{"ref":"refs/changes/01/1/1","revision":"2222222222222222222222222222222222222222"}}`))
		},
	}}
	src := newSource(t, Options{
		Scheduler: pusher,
		Lister:    fakeLister{projects: []string{"tools"}},
		Streamer:  streamer,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	require.Eventually(t, func() bool {
		return streamer.calls.Load() >= 5
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateStreaming, src.State())

	task, ok := src.Task("tools")
	require.True(t, ok)
	assert.Equal(t, 2, task.PendingLen())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not stop")
	}
}

func TestReconcileLocal(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	bare := func(path, url string) {
		t.Helper()
		repo, err := git.PlainInit(path, true)
		require.NoError(t, err)
		if url == "" {
			return
		}
		_, err = repo.CreateRemote(&config.RemoteConfig{Name: "gitsync", URLs: []string{url}})
		require.NoError(t, err)
	}

	live := filepath.Join(root, "tools.git")
	stale := filepath.Join(root, "teams", "gone.git")
	foreign := filepath.Join(root, "teams", "foreign.git")
	untracked := filepath.Join(root, "untracked.git")
	linked := filepath.Join(outside, "linked.git")
	link := filepath.Join(root, "link.git")

	bare(live, testFrom+"tools")
	bare(stale, testFrom+"teams/gone")
	bare(foreign, "ssh://elsewhere.example.com/teams/foreign")
	bare(untracked, "")
	bare(linked, testFrom+"linked")
	require.NoError(t, os.Symlink(linked, link))

	src := newSource(t, Options{Config: gerritConfig(root), Scheduler: &recordingPusher{}})
	src.ReconcileLocal([]string{"tools"})

	assert.DirExists(t, live)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, foreign)
	assert.DirExists(t, untracked)
	assert.DirExists(t, linked)
	_, err := os.Lstat(link)
	assert.NoError(t, err)
}

func TestRun_ManifestCompanionSurvivesRestart(t *testing.T) {
	root := t.TempDir()
	companion := filepath.Join(root, "repo", "manifest.git")
	repo, err := git.PlainInit(companion, true)
	require.NoError(t, err)
	_, err = repo.CreateRemote(&config.RemoteConfig{Name: "gitsync", URLs: []string{testFrom + ManifestCompanion}})
	require.NoError(t, err)

	c := gerritConfig(root)
	c.OneShot = true
	pusher := &recordingPusher{}
	src := newSource(t, Options{
		Config:    c,
		Scheduler: pusher,
		Lister:    fakeLister{projects: []string{"tools", ManifestProject}},
	})

	require.NoError(t, src.Run(context.Background()))
	assert.DirExists(t, companion)
	assert.Equal(t, []string{"tools", ManifestProject, ManifestCompanion}, pusher.names())

	task, ok := src.Task(ManifestCompanion)
	require.True(t, ok)
	assert.Equal(t, 1, task.PendingLen())
}

func TestWithCompanion(t *testing.T) {
	assert.Equal(t, []string{"tools"}, withCompanion([]string{"tools"}))
	assert.Equal(t, []string{ManifestProject, ManifestCompanion}, withCompanion([]string{ManifestProject}))
	assert.Equal(t, []string{ManifestCompanion, ManifestProject}, withCompanion([]string{ManifestCompanion, ManifestProject}))
}

func TestReconcileLocal_MissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "absent")
	src := newSource(t, Options{Config: gerritConfig(root), Scheduler: &recordingPusher{}})
	src.ReconcileLocal([]string{"tools"})
	assert.NoDirExists(t, root)
}

func TestSingleSource(t *testing.T) {
	upstream := filepath.Join(t.TempDir(), "tools.git")
	_, err := git.PlainInit(upstream, true)
	require.NoError(t, err)

	to := filepath.Join(t.TempDir(), "tools.git")
	pusher := &recordingPusher{}
	src, err := New(Options{
		Config: cfg.SourceConfiguration{
			Type: cfg.SourceSingle,
			Name: "single:tools",
			From: upstream,
			To:   to,
		},
		Scheduler: pusher,
	})
	require.NoError(t, err)
	defer src.Close()

	assert.True(t, src.OneShot())
	require.NoError(t, src.Run(context.Background()))
	assert.Equal(t, StateDone, src.State())
	assert.Equal(t, []string{"tools"}, pusher.names())

	task, ok := src.Task("tools")
	require.True(t, ok)
	assert.Equal(t, upstream, task.From())
	assert.Equal(t, to, task.To())
}

func TestSingleSource_MissingLocalRepository(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing")
	_, err := New(Options{
		Config: cfg.SourceConfiguration{
			Type: cfg.SourceSingle,
			Name: "single:missing",
			From: missing,
			To:   filepath.Join(t.TempDir(), "missing.git"),
		},
		Scheduler: &recordingPusher{},
	})
	assert.ErrorContains(t, err, "no such repository")
}

func TestIdle_DryRunWithScheduler(t *testing.T) {
	to := t.TempDir()
	c := gerritConfig(to)
	c.OneShot = true

	sched := scheduler.New(2)
	sched.Start(context.Background())
	defer sched.Stop()

	pub := &recordingPublisher{}
	src := newSource(t, Options{
		Config:    c,
		Scheduler: sched,
		Publisher: pub,
		DryRun:    true,
		Lister:    fakeLister{projects: []string{"tools", "teams/alpha", "teams/beta"}},
	})

	require.NoError(t, src.Run(context.Background()))
	require.Eventually(t, src.Idle, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"sync-init", "sync-init", "sync-init"}, pub.types())

	statuses := src.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, "teams/alpha", statuses[0].Name)
	for _, st := range statuses {
		assert.Equal(t, "dry-run", st.LastResult)
		assert.Equal(t, 1, st.Passes)
	}
}

var _ project.Pusher = (*recordingPusher)(nil)
