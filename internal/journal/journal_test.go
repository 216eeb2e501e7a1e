package journal

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(zerolog.Nop(), db)
}

func TestJournal_RecordAndList(t *testing.T) {
	j := newTestJournal(t)

	require.NoError(t, j.Record(Entry{Registry: 5101, Kind: KindPost, APIVersion: "v1.3", ResourceType: "node", ResourceID: "a", Payload: json.RawMessage(`{"type":"node"}`)}))
	require.NoError(t, j.Record(Entry{Registry: 5101, Kind: KindPost, APIVersion: "v1.3", ResourceType: "device", ResourceID: "b"}))
	require.NoError(t, j.Record(Entry{Registry: 5101, Kind: KindHeartbeat, APIVersion: "v1.3", ResourceID: "a"}))
	require.NoError(t, j.Record(Entry{Registry: 5102, Kind: KindPost, APIVersion: "v1.2", ResourceType: "node", ResourceID: "c"}))

	posts, err := j.List(5101, KindPost)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, "a", posts[0].ResourceID)
	assert.Equal(t, "b", posts[1].ResourceID)
	assert.JSONEq(t, `{"type":"node"}`, string(posts[0].Payload))
	assert.Nil(t, posts[1].Payload)
	assert.False(t, posts[0].Time.IsZero())

	hbs, err := j.List(5101, KindHeartbeat)
	require.NoError(t, err)
	assert.Len(t, hbs, 1)
}

func TestJournal_ClearIsPerRegistry(t *testing.T) {
	j := newTestJournal(t)
	require.NoError(t, j.Record(Entry{Registry: 1, Kind: KindDelete, APIVersion: "v1.3"}))
	require.NoError(t, j.Record(Entry{Registry: 2, Kind: KindDelete, APIVersion: "v1.3"}))

	require.NoError(t, j.Clear(1))

	one, err := j.List(1, KindDelete)
	require.NoError(t, err)
	assert.Empty(t, one)

	two, err := j.List(2, KindDelete)
	require.NoError(t, err)
	assert.Len(t, two, 1)
}
