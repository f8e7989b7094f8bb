package publisher

import (
	"fmt"

	"github.com/maxpert/gitsync/cfg"
	"github.com/maxpert/gitsync/event"
	"github.com/rs/zerolog/log"
)

// Set fans events out to a group of sink workers
type Set struct {
	workers []*Worker
}

// NewSet creates a worker for every publisher configuration and starts it.
// On error every sink created so far is closed.
func NewSet(configs []cfg.PublisherConfiguration) (*Set, error) {
	set := &Set{workers: make([]*Worker, 0, len(configs))}

	for _, pc := range configs {
		snk, err := NewSink(pc)
		if err != nil {
			set.Close()
			return nil, fmt.Errorf("failed to create sink %q: %w", pc.Name, err)
		}

		filter, err := NewGlobFilter(pc.FilterTypes, pc.FilterProjects)
		if err != nil {
			snk.Close()
			set.Close()
			return nil, fmt.Errorf("failed to create filter for sink %q: %w", pc.Name, err)
		}

		if err := set.Add(WorkerConfig{Name: pc.Name, Sink: snk, Filter: filter}); err != nil {
			snk.Close()
			set.Close()
			return nil, err
		}

		log.Info().Str("sink", pc.Name).Str("type", pc.Type).Msg("Added publisher sink")
	}

	return set, nil
}

// Add starts a worker for an already constructed sink
func (s *Set) Add(config WorkerConfig) error {
	if config.Filter == nil {
		config.Filter = &GlobFilter{}
	}
	w, err := NewWorker(config)
	if err != nil {
		return fmt.Errorf("failed to create worker for sink %q: %w", config.Name, err)
	}
	w.Start()
	s.workers = append(s.workers, w)
	return nil
}

// Publish hands the event to every sink independently
func (s *Set) Publish(ev *event.Event) {
	if s == nil {
		return
	}
	for _, w := range s.workers {
		w.Enqueue(ev.Type, ev.Project, ev.Payload())
	}
}

// Len returns the number of sinks
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.workers)
}

// Pending returns messages buffered across all sinks
func (s *Set) Pending() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, w := range s.workers {
		n += w.Pending()
	}
	return n
}

// Close flushes and stops every worker
func (s *Set) Close() {
	if s == nil {
		return
	}
	for _, w := range s.workers {
		w.Stop()
	}
}
