package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseShapes(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		kind     Kind
		project  string
		ref      string
		revision string
	}{
		{
			name:    "change",
			payload: `{"type":"comment-added","change":{"project":"libs/core","ref":"refs/changes/01/1/1"}}`,
			kind:    KindOther,
			project: "libs/core",
			ref:     "refs/changes/01/1/1",
		},
		{
			name:     "ref update",
			payload:  `{"type":"ref-updated","refUpdate":{"project":"teams/alpha","refName":"refs/heads/main","newRev":"5d1f0c5b2a3e4f6071829304a5b6c7d8e9f00112"}}`,
			kind:     KindRefUpdated,
			project:  "teams/alpha",
			ref:      "refs/heads/main",
			revision: "5d1f0c5b2a3e4f6071829304a5b6c7d8e9f00112",
		},
		{
			name:     "patchset created",
			payload:  `{"type":"patchset-created","project":"libs/core","patchSet":{"ref":"refs/changes/42/42/2","revision":"aaaabbbbccccddddeeeeffff0000111122223333"}}`,
			kind:     KindPatchCreated,
			project:  "libs/core",
			ref:      "refs/changes/42/42/2",
			revision: "aaaabbbbccccddddeeeeffff0000111122223333",
		},
		{
			name:     "change merged prefers direct ref",
			payload:  `{"type":"change-merged","project":"libs/core","refName":"refs/heads/main","newRev":"1111222233334444555566667777888899990000","patchSet":{"ref":"refs/changes/42/42/2","revision":"aaaabbbbccccddddeeeeffff0000111122223333"}}`,
			kind:     KindMergeCompleted,
			project:  "libs/core",
			ref:      "refs/heads/main",
			revision: "1111222233334444555566667777888899990000",
		},
		{
			name:    "sync init",
			payload: `{"type":"sync-init","projectName":"teams/alpha","origin":"host-1"}`,
			kind:    KindSyncInit,
			project: "teams/alpha",
		},
		{
			name:    "project created",
			payload: `{"type":"project-created","projectName":"new/repo","headName":"refs/heads/master"}`,
			kind:    KindProjectCreated,
			project: "new/repo",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Parse([]byte(tt.payload + "\n"))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.project, ev.Project)
			assert.Equal(t, tt.ref, ev.Ref)
			assert.Equal(t, tt.revision, ev.Revision)
			assert.Equal(t, 0, ev.RetryCount)
			assert.JSONEq(t, tt.payload, string(ev.Payload()))
		})
	}
}

func TestParseMalformed(t *testing.T) {
	for _, payload := range []string{"", "   ", "not json", `{"change":{}}`} {
		_, err := Parse([]byte(payload))
		assert.ErrorIs(t, err, ErrMalformed, "payload %q", payload)
	}
}

func TestParseToleratesObjectProject(t *testing.T) {
	ev, err := Parse([]byte(`{"type":"ref-updated","project":{"name":"x"}}`))
	require.NoError(t, err)
	assert.Empty(t, ev.Project)
	assert.ErrorIs(t, ev.Validate(), ErrNoProject)
}

func TestRequiresSync(t *testing.T) {
	syncing := []Kind{KindRefUpdated, KindPatchCreated, KindMergeCompleted, KindDraftPublished, KindProjectCreated, KindSyncInit}
	for _, k := range syncing {
		assert.True(t, k.RequiresSync(), k.String())
	}
	assert.False(t, KindOther.RequiresSync())
	assert.False(t, KindChangeSubmitted.RequiresSync())
}

func TestValidate(t *testing.T) {
	ev := &Event{Kind: KindOther, Type: "comment-added"}
	assert.NoError(t, ev.Validate())

	ev = &Event{Kind: KindRefUpdated, Type: TypeRefUpdated}
	assert.ErrorIs(t, ev.Validate(), ErrNoProject)
}

func TestVerifiable(t *testing.T) {
	assert.False(t, (&Event{}).Verifiable())
	assert.False(t, (&Event{Revision: "0000000000000000000000000000000000000000"}).Verifiable())
	assert.True(t, (&Event{Revision: "abc123"}).Verifiable())
}

func TestNewInit(t *testing.T) {
	ev := NewInit("teams/alpha", "mirror-01")

	assert.Equal(t, KindSyncInit, ev.Kind)
	assert.Equal(t, "teams/alpha", ev.Project)
	assert.False(t, ev.Verifiable())

	var body map[string]string
	require.NoError(t, json.Unmarshal(ev.Payload(), &body))
	assert.Equal(t, "sync-init", body["type"])
	assert.Equal(t, "teams/alpha", body["projectName"])
	assert.Equal(t, "mirror-01", body["origin"])

	parsed, err := Parse(ev.Payload())
	require.NoError(t, err)
	assert.Equal(t, ev.Project, parsed.Project)
	assert.Equal(t, ev.Kind, parsed.Kind)
}

func TestString(t *testing.T) {
	ev := &Event{Type: "ref-updated", Project: "p", Revision: "0123456789abcdef"}
	assert.Equal(t, "ref-updated(p@0123456789)", ev.String())
	assert.Equal(t, "comment-added", (&Event{Type: "comment-added"}).String())
}
