// Package source turns an upstream's project list and live change stream
// into scheduled mirror work.
//
// A Source discovers projects, removes local mirrors the upstream no longer
// has, seeds a sync-init event per project and then follows the event stream
// for the life of the process. Each project gets exactly one project.Task,
// created on first reference and kept until shutdown.
package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/maxpert/gitsync/cfg"
	"github.com/maxpert/gitsync/event"
	"github.com/maxpert/gitsync/mirror"
	"github.com/maxpert/gitsync/project"
	"github.com/maxpert/gitsync/publisher"
	"github.com/maxpert/gitsync/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Manifest changes also affect the repo tool's copy of the manifest
const (
	ManifestProject   = "manifest"
	ManifestCompanion = "repo/manifest"
)

// DefaultStreamRetry is the pause before reopening a failed stream
const DefaultStreamRetry = 5 * time.Second

// ErrStream marks failures of the live event stream
var ErrStream = errors.New("event stream failed")

// DiscoveryError is returned when the project listing cannot be obtained
type DiscoveryError struct {
	Source string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("project discovery failed for %s: %v", e.Source, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Lister returns the upstream's project names
type Lister interface {
	ListProjects(ctx context.Context) ([]string, error)
}

// Streamer delivers raw event lines to handle until it fails or ctx ends.
// An error from handle aborts the stream.
type Streamer interface {
	Stream(ctx context.Context, handle func([]byte) error) error
}

// State of a source's run loop
type State int32

const (
	StateIdle State = iota
	StateDiscovering
	StateReconciling
	StateSeedingInit
	StateDone
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDiscovering:
		return "discovering"
	case StateReconciling:
		return "reconciling"
	case StateSeedingInit:
		return "seeding"
	case StateDone:
		return "done"
	case StateStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

// Options configures a Source
type Options struct {
	Config    cfg.SourceConfiguration // Validated source configuration
	Scheduler project.Pusher
	Publisher publisher.Publisher

	DryRun      bool
	Timeout     time.Duration
	RetryDelay  time.Duration
	MaxRetries  int
	StreamRetry time.Duration
	Origin      string // Hostname stamped on sync-init events

	Lister   Lister   // Defaults to the Gerrit SSH client, or the fixed project for single sources
	Streamer Streamer // Defaults by source type
	Command  mirror.CommandFunc
	Verify   project.VerifyFunc
}

// Source follows one upstream
type Source struct {
	opts    Options
	name    string
	filters *FilterSet
	logger  zerolog.Logger

	lister   Lister
	streamer Streamer
	client   *GerritClient
	single   bool

	projects *xsync.MapOf[string, *project.Task]
	state    atomic.Int32
	seeded   atomic.Bool
}

// New builds a source from validated configuration
func New(opts Options) (*Source, error) {
	c := opts.Config
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required for source %s", c.Name)
	}
	if c.To == "" {
		return nil, fmt.Errorf("source %s has no destination", c.Name)
	}

	filters, err := NewFilterSet(c.Filters)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", c.Name, err)
	}

	if opts.StreamRetry <= 0 {
		opts.StreamRetry = DefaultStreamRetry
	}
	if opts.Origin == "" {
		opts.Origin = event.Origin()
	}

	s := &Source{
		opts:     opts,
		name:     c.Name,
		filters:  filters,
		logger:   log.With().Str("source", c.Name).Logger(),
		lister:   opts.Lister,
		streamer: opts.Streamer,
		single:   c.Type == cfg.SourceSingle,
		projects: xsync.NewMapOf[string, *project.Task](),
	}

	if s.single {
		if _, err := project.ResolveFrom(c.From); err != nil {
			return nil, fmt.Errorf("source %s: %w", c.Name, err)
		}
		if s.lister == nil {
			s.lister = staticLister{singleName(c.To)}
		}
		return s, nil
	}

	if s.lister == nil || s.streamer == nil {
		client, err := NewGerritClient(c)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", c.Name, err)
		}
		s.client = client
		if s.lister == nil {
			s.lister = client
		}
		if s.streamer == nil {
			s.streamer = newStreamer(c, client)
		}
	}
	return s, nil
}

func newStreamer(c cfg.SourceConfiguration, client *GerritClient) Streamer {
	switch c.Type {
	case cfg.SourceGerritRabbitMQ:
		return NewRabbitMQStream(c.RabbitMQ)
	case cfg.SourceGerritNATS:
		return NewNATSStream(c.NATS)
	case cfg.SourceGerritKafka:
		return NewKafkaStream(c.Kafka)
	default:
		return client
	}
}

type staticLister []string

func (l staticLister) ListProjects(context.Context) ([]string, error) {
	return l, nil
}

func singleName(to string) string {
	return strings.TrimSuffix(filepath.Base(to), ".git")
}

// Name returns the configured source name
func (s *Source) Name() string {
	return s.name
}

// State returns where the run loop currently is
func (s *Source) State() State {
	return State(s.state.Load())
}

func (s *Source) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Debug().Str("state", st.String()).Msg("Source state changed")
}

// OneShot reports whether the source stops after seeding
func (s *Source) OneShot() bool {
	return s.opts.Config.OneShot || s.single
}

// DiscoverProjects lists the upstream's projects
func (s *Source) DiscoverProjects(ctx context.Context) ([]string, error) {
	projects, err := s.lister.ListProjects(ctx)
	if err != nil {
		telemetry.DiscoveryFailuresTotal.With(s.name).Inc()
		return nil, &DiscoveryError{Source: s.name, Err: err}
	}
	s.logger.Info().Int("projects", len(projects)).Str("phase", "discover").Msg("Discovered projects")
	return projects, nil
}

// ReconcileLocal deletes local mirrors of projects the upstream no longer
// lists. A mirror is only removed when its gitsync remote still points below
// this source's from URL.
func (s *Source) ReconcileLocal(remote []string) {
	root := filepath.Clean(s.opts.Config.To)
	keep := make(map[string]struct{}, len(remote))
	for _, name := range remote {
		keep[filepath.Join(root, name+".git")] = struct{}{}
	}

	var stale []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			s.logger.Warn().Err(err).Str("path", path).Str("phase", "reconcile").Msg("Unable to inspect path")
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 || !d.IsDir() || path == root {
			return nil
		}
		if !strings.HasSuffix(d.Name(), ".git") {
			return nil
		}
		if _, ok := keep[path]; !ok {
			stale = append(stale, path)
		}
		return filepath.SkipDir
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("phase", "reconcile").Msg("Unable to list local mirrors")
	}

	from := s.opts.Config.From
	for _, path := range stale {
		url, err := mirror.RemoteURL(path)
		if err != nil {
			s.logger.Debug().Err(err).Str("path", path).Str("phase", "reconcile").Msg("Keeping mirror without gitsync remote")
			continue
		}
		if !strings.HasPrefix(url, from) {
			continue
		}

		s.logger.Warn().Str("path", path).Str("remote", url).Str("phase", "reconcile").Msg("Deleting mirror of removed project")
		if err := os.RemoveAll(path); err != nil {
			s.logger.Error().Err(err).Str("path", path).Str("phase", "reconcile").Msg("Unable to delete mirror")
			continue
		}
		telemetry.ReconcileDeletedTotal.Inc()
	}
}

// Run discovers, reconciles and seeds the source's projects, then follows
// the event stream until ctx ends. One-shot sources return after seeding.
func (s *Source) Run(ctx context.Context) error {
	s.setState(StateDiscovering)
	projects, err := s.DiscoverProjects(ctx)
	if err != nil {
		s.setState(StateIdle)
		return err
	}
	if !s.single {
		projects = withCompanion(projects)
	}

	if !s.single {
		s.setState(StateReconciling)
		s.ReconcileLocal(projects)
	}

	s.setState(StateSeedingInit)
	for _, name := range projects {
		s.QueueProject(name, event.NewInit(name, s.opts.Origin))
	}
	s.seeded.Store(true)

	if s.OneShot() || s.streamer == nil {
		s.setState(StateDone)
		return nil
	}

	s.setState(StateStreaming)
	s.streamLoop(ctx)
	return nil
}

// withCompanion adds the manifest companion when the manifest project is
// listed, so it is seeded and survives reconciliation like any other mirror
func withCompanion(projects []string) []string {
	if !slices.Contains(projects, ManifestProject) || slices.Contains(projects, ManifestCompanion) {
		return projects
	}
	return append(slices.Clone(projects), ManifestCompanion)
}

func (s *Source) streamLoop(ctx context.Context) {
	for {
		err := s.streamOnce(ctx)
		if ctx.Err() != nil {
			s.logger.Info().Msg("Event stream stopped")
			return
		}

		telemetry.StreamRestartsTotal.With(s.name).Inc()
		s.logger.Error().
			Err(err).
			Dur("delay", s.opts.StreamRetry).
			Str("phase", "stream").
			Msg("Event stream returned, relaunching")

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.StreamRetry):
		}
	}
}

func (s *Source) streamOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrStream, r)
			s.logger.Error().Str("stack", string(debug.Stack())).Msg("Recovered from panic in event stream")
		}
	}()

	if err := s.streamer.Stream(ctx, s.HandleLine); err != nil {
		return fmt.Errorf("%w: %w", ErrStream, err)
	}
	return fmt.Errorf("%w: stream closed", ErrStream)
}

// HandleLine parses one raw notification and routes it. Malformed payloads
// fail the stream.
func (s *Source) HandleLine(line []byte) error {
	ev, err := event.Parse(line)
	if err != nil {
		telemetry.EventsDroppedTotal.With(s.name, "malformed").Inc()
		return err
	}
	telemetry.EventsReceivedTotal.With(s.name, ev.Type).Inc()
	s.Route(ev)
	return nil
}

// Route schedules a sync for events that need one and publishes the rest
// right away
func (s *Source) Route(ev *event.Event) {
	if ev.Project != "" && !s.filters.Match(ev.Project) {
		telemetry.EventsDroppedTotal.With(s.name, "filtered").Inc()
		s.logger.Debug().Str("event", ev.String()).Msg("Dropping event for filtered project")
		return
	}

	if !ev.Kind.RequiresSync() {
		s.logger.Debug().Str("event", ev.String()).Msg("Publishing event not requiring sync")
		if s.opts.Publisher != nil {
			s.opts.Publisher.Publish(ev)
		}
		return
	}

	if err := ev.Validate(); err != nil {
		telemetry.EventsDroppedTotal.With(s.name, "no-project").Inc()
		s.logger.Error().Err(err).Str("phase", "route").Msg("Dropping event")
		return
	}

	s.logger.Debug().Str("event", ev.String()).Msg("Handling event requiring sync")
	s.QueueProject(ev.Project, ev)
	if ev.Project == ManifestProject {
		s.logger.Info().Str("project", ManifestCompanion).Msg("Triggering sync due to manifest change")
		companion := *ev
		s.QueueProject(ManifestCompanion, &companion)
	}
}

// QueueProject appends ev to the project's task and schedules it. Projects
// rejected by the filters never get a task, so their events are dropped.
func (s *Source) QueueProject(name string, ev *event.Event) {
	task := s.task(name)
	if task == nil {
		return
	}
	if ev != nil {
		task.AddEvent(ev)
	}
	s.opts.Scheduler.Push(task)
}

func (s *Source) task(name string) *project.Task {
	if t, ok := s.projects.Load(name); ok {
		return t
	}

	if !s.filters.Match(name) {
		telemetry.EventsDroppedTotal.With(s.name, "filtered").Inc()
		s.logger.Debug().Str("project", name).Msg("Project is filtered out")
		return nil
	}

	t, _ := s.projects.Compute(name, func(old *project.Task, loaded bool) (*project.Task, bool) {
		if loaded {
			return old, false
		}
		from, to := s.locate(name)
		t, err := project.New(project.Options{
			Name:       name,
			Source:     s.name,
			From:       from,
			To:         to,
			Publisher:  s.opts.Publisher,
			Scheduler:  s.opts.Scheduler,
			DryRun:     s.opts.DryRun,
			Timeout:    s.opts.Timeout,
			RetryDelay: s.opts.RetryDelay,
			MaxRetries: s.opts.MaxRetries,
			Command:    s.opts.Command,
			Verify:     s.opts.Verify,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("project", name).Msg("Unable to create project task")
			return nil, true
		}
		s.logger.Info().Str("project", name).Str("to", to).Msg("Scheduling sync for project")
		return t, false
	})
	return t
}

// locate maps a project to its upstream URL and mirror path
func (s *Source) locate(name string) (from, to string) {
	c := s.opts.Config
	if s.single {
		return c.From, c.To
	}
	return strings.TrimSuffix(c.From, "/") + "/" + name, filepath.Join(c.To, name+".git")
}

// Task returns the project's task if one exists
func (s *Source) Task(name string) (*project.Task, bool) {
	return s.projects.Load(name)
}

// Tasks returns every task sorted by project name
func (s *Source) Tasks() []*project.Task {
	tasks := make([]*project.Task, 0, s.projects.Size())
	s.projects.Range(func(_ string, t *project.Task) bool {
		tasks = append(tasks, t)
		return true
	})
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name() < tasks[j].Name() })
	return tasks
}

// Statuses returns a snapshot of every task
func (s *Source) Statuses() []project.Status {
	tasks := s.Tasks()
	out := make([]project.Status, len(tasks))
	for i, t := range tasks {
		out[i] = t.Status()
	}
	return out
}

// Idle reports that seeding finished and no task has work left
func (s *Source) Idle() bool {
	if !s.seeded.Load() {
		return false
	}
	idle := true
	s.projects.Range(func(_ string, t *project.Task) bool {
		idle = t.Idle()
		return idle
	})
	return idle
}

// ProjectStats summarizes the registry for the metrics collector
func (s *Source) ProjectStats() telemetry.ProjectStats {
	stats := telemetry.ProjectStats{Source: s.name}
	s.projects.Range(func(_ string, t *project.Task) bool {
		stats.Projects++
		stats.PendingEvents += t.PendingLen()
		stats.PendingRetries += t.RetriesPending()
		return true
	})
	return stats
}

// Close cancels every task's deferred retries
func (s *Source) Close() {
	s.projects.Range(func(_ string, t *project.Task) bool {
		t.Close()
		return true
	})
	if s.client != nil {
		s.client.Close()
	}
}
