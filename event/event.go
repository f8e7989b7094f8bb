// Package event normalizes Gerrit change notifications into a single Event
// type regardless of which transport delivered them.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Kind classifies a notification by its "type" discriminator
type Kind uint8

const (
	KindOther Kind = iota
	KindChangeSubmitted
	KindPatchCreated
	KindMergeCompleted
	KindDraftPublished
	KindProjectCreated
	KindRefUpdated
	KindSyncInit
)

// Gerrit stream-events type names
const (
	TypeChangeSubmitted = "change-submitted"
	TypePatchCreated    = "patchset-created"
	TypeMergeCompleted  = "change-merged"
	TypeDraftPublished  = "draft-published"
	TypeProjectCreated  = "project-created"
	TypeRefUpdated      = "ref-updated"
	TypeSyncInit        = "sync-init"
)

var kindByType = map[string]Kind{
	TypeChangeSubmitted: KindChangeSubmitted,
	TypePatchCreated:    KindPatchCreated,
	TypeMergeCompleted:  KindMergeCompleted,
	TypeDraftPublished:  KindDraftPublished,
	TypeProjectCreated:  KindProjectCreated,
	TypeRefUpdated:      KindRefUpdated,
	TypeSyncInit:        KindSyncInit,
}

func (k Kind) String() string {
	switch k {
	case KindChangeSubmitted:
		return TypeChangeSubmitted
	case KindPatchCreated:
		return TypePatchCreated
	case KindMergeCompleted:
		return TypeMergeCompleted
	case KindDraftPublished:
		return TypeDraftPublished
	case KindProjectCreated:
		return TypeProjectCreated
	case KindRefUpdated:
		return TypeRefUpdated
	case KindSyncInit:
		return TypeSyncInit
	default:
		return "other"
	}
}

// RequiresSync reports whether events of this kind must be mirrored before
// they are forwarded downstream.
func (k Kind) RequiresSync() bool {
	switch k {
	case KindRefUpdated, KindPatchCreated, KindMergeCompleted,
		KindDraftPublished, KindProjectCreated, KindSyncInit:
		return true
	}
	return false
}

var (
	// ErrNoProject is returned when a sync-requiring event carries no project
	ErrNoProject = errors.New("unable to resolve project for event")
	// ErrMalformed is returned for payloads that are not Gerrit events
	ErrMalformed = errors.New("malformed event payload")
)

// Event is a normalized change notification. Everything except RetryCount is
// fixed once parsed; RetryCount is owned by whichever project task currently
// holds the event.
type Event struct {
	Kind       Kind
	Type       string
	Project    string
	Ref        string
	Revision   string
	RetryCount int

	// Raw is the original JSON document and the form handed to publishers
	Raw json.RawMessage
}

type wireChange struct {
	Project string `json:"project"`
	Ref     string `json:"ref"`
}

type wireRefUpdate struct {
	Project string `json:"project"`
	RefName string `json:"refName"`
	NewRev  string `json:"newRev"`
}

type wirePatchSet struct {
	Ref      string `json:"ref"`
	Revision string `json:"revision"`
}

type wireEvent struct {
	Type        string          `json:"type"`
	Project     json.RawMessage `json:"project"`
	ProjectName string          `json:"projectName"`
	RefName     string          `json:"refName"`
	NewRev      string          `json:"newRev"`
	Change      *wireChange     `json:"change"`
	RefUpdate   *wireRefUpdate  `json:"refUpdate"`
	PatchSet    *wirePatchSet   `json:"patchSet"`
}

// Parse decodes a single JSON notification
func Parse(data []byte) (*Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	raw := make(json.RawMessage, len(data))
	copy(raw, data)

	ev := &Event{
		Kind:    kindByType[w.Type],
		Type:    w.Type,
		Project: resolveProject(&w),
		Raw:     raw,
	}
	ev.Ref, ev.Revision = resolveRevision(&w)
	return ev, nil
}

func resolveProject(w *wireEvent) string {
	if w.Change != nil && w.Change.Project != "" {
		return w.Change.Project
	}
	if w.RefUpdate != nil && w.RefUpdate.Project != "" {
		return w.RefUpdate.Project
	}
	if w.ProjectName != "" {
		return w.ProjectName
	}

	// Top-level project is a plain string in stream-events, but tolerate
	// objects from newer servers by ignoring them.
	var name string
	if len(w.Project) > 0 && json.Unmarshal(w.Project, &name) == nil {
		return name
	}
	return ""
}

func resolveRevision(w *wireEvent) (ref, revision string) {
	switch {
	case w.RefUpdate != nil && (w.RefUpdate.RefName != "" || w.RefUpdate.NewRev != ""):
		return w.RefUpdate.RefName, w.RefUpdate.NewRev
	case w.RefName != "" || w.NewRev != "":
		return w.RefName, w.NewRev
	case w.PatchSet != nil:
		return w.PatchSet.Ref, w.PatchSet.Revision
	case w.Change != nil:
		return w.Change.Ref, ""
	}
	return "", ""
}

// Verifiable reports whether the event names a revision that can be looked up
// in a local mirror. A deleted ref carries the all-zero revision and is not
// verifiable.
func (e *Event) Verifiable() bool {
	return e.Revision != "" && strings.Trim(e.Revision, "0") != ""
}

// Validate checks routing invariants
func (e *Event) Validate() error {
	if e.Kind.RequiresSync() && e.Project == "" {
		return fmt.Errorf("%w: %s", ErrNoProject, e.Type)
	}
	return nil
}

// Payload returns the serialized event handed to publishers
func (e *Event) Payload() []byte {
	return e.Raw
}

func (e *Event) String() string {
	var b strings.Builder
	b.WriteString(e.Type)
	if e.Project != "" {
		b.WriteString("(")
		b.WriteString(e.Project)
		if e.Revision != "" {
			b.WriteString("@")
			b.WriteString(shortRevision(e.Revision))
		}
		b.WriteString(")")
	}
	return b.String()
}

func shortRevision(rev string) string {
	if len(rev) > 10 {
		return rev[:10]
	}
	return rev
}

// NewInit builds the synthetic sync-init event used to force the initial
// mirror of a project.
func NewInit(project, origin string) *Event {
	raw, _ := json.Marshal(struct {
		Type        string `json:"type"`
		ProjectName string `json:"projectName"`
		Origin      string `json:"origin"`
	}{TypeSyncInit, project, origin})

	return &Event{
		Kind:    KindSyncInit,
		Type:    TypeSyncInit,
		Project: project,
		Raw:     raw,
	}
}

// Origin returns the hostname stamped on sync-init events
func Origin() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}
