package publisher

import (
	"errors"
	"testing"
	"time"

	"github.com/maxpert/gitsync/cfg"
	"github.com/maxpert/gitsync/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSinks = map[string]*mockSink{}

func init() {
	// Registered here to avoid an import cycle with the sink package
	RegisterSink("test", func(config cfg.PublisherConfiguration) (Sink, error) {
		s := &mockSink{}
		testSinks[config.Name] = s
		return s, nil
	})
	RegisterSink("broken", func(config cfg.PublisherConfiguration) (Sink, error) {
		return nil, errors.New("cannot connect")
	})
}

func TestNewSink_UnknownType(t *testing.T) {
	_, err := NewSink(cfg.PublisherConfiguration{Type: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unknown sink type")
}

func TestSet_FanOut(t *testing.T) {
	set, err := NewSet([]cfg.PublisherConfiguration{
		{Type: "test", Name: "all"},
		{Type: "test", Name: "tools-only", FilterProjects: []string{"tools/*"}},
		{Type: "test", Name: "merges", FilterTypes: []string{"change-merged"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, set.Len())

	ev, err := event.Parse([]byte(`{"type":"ref-updated","refUpdate":{"project":"tools/repo","refName":"refs/heads/main","newRev":"abc"}}`))
	require.NoError(t, err)
	set.Publish(ev)

	other, err := event.Parse([]byte(`{"type":"change-merged","change":{"project":"platform/build"}}`))
	require.NoError(t, err)
	set.Publish(other)

	set.Close()

	all := testSinks["all"].published()
	require.Len(t, all, 2)
	assert.Equal(t, "tools/repo", all[0].key)
	assert.JSONEq(t, string(ev.Raw), string(all[0].value))

	tools := testSinks["tools-only"].published()
	require.Len(t, tools, 1)
	assert.Equal(t, "tools/repo", tools[0].key)

	merges := testSinks["merges"].published()
	require.Len(t, merges, 1)
	assert.Equal(t, "platform/build", merges[0].key)
}

func TestSet_FailingSinkDoesNotAffectOthers(t *testing.T) {
	bad := &mockSink{}
	bad.failCount.Store(1000)
	good := &mockSink{}

	set := &Set{}
	require.NoError(t, set.Add(WorkerConfig{Name: "bad", Sink: bad, RetryInitial: time.Millisecond, MaxRetries: 2}))
	require.NoError(t, set.Add(WorkerConfig{Name: "good", Sink: good}))

	set.Publish(event.NewInit("tools", "host"))
	set.Publish(event.NewInit("docs", "host"))

	require.Eventually(t, func() bool { return good.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	set.Close()
	assert.Equal(t, 0, bad.count())
}

func TestNewSet_Errors(t *testing.T) {
	_, err := NewSet([]cfg.PublisherConfiguration{{Type: "test", Name: "ok"}, {Type: "broken", Name: "b"}})
	assert.ErrorContains(t, err, "cannot connect")
	assert.True(t, testSinks["ok"].closed.Load())

	_, err = NewSet([]cfg.PublisherConfiguration{{Type: "test", Name: "badglob", FilterTypes: []string{"[x"}}})
	assert.Error(t, err)
}

func TestSet_Nil(t *testing.T) {
	var set *Set
	set.Publish(event.NewInit("a", "b"))
	set.Close()
	assert.Equal(t, 0, set.Len())
	assert.Equal(t, 0, set.Pending())
}
