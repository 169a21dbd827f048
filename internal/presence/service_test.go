package presence

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocalService() *Service {
	return NewService(nil, "instance-a", zerolog.New(io.Discard))
}

func TestJoinAndLeaveWithoutRedis(t *testing.T) {
	svc := newLocalService()
	ctx := context.Background()

	require.NoError(t, svc.Join(ctx, Entry{Document: "doc", Client: "bob"}))
	require.NoError(t, svc.Join(ctx, Entry{Document: "doc", Client: "alice", Metadata: map[string]string{"role": "editor"}}))

	roster, err := svc.Roster(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, roster, 2)
	assert.Equal(t, "alice", roster[0].Client)
	assert.Equal(t, "instance-a", roster[0].Instance)
	assert.Equal(t, "editor", roster[0].Metadata["role"])
	assert.False(t, roster[0].SeenAt.IsZero())

	svc.Leave(ctx, "doc", "alice")
	svc.Leave(ctx, "doc", "bob")
	assert.Empty(t, svc.Local("doc"))
}

func TestJoinRequiresIdentifiers(t *testing.T) {
	svc := newLocalService()
	require.Error(t, svc.Join(context.Background(), Entry{Document: "doc"}))
	require.Error(t, svc.Join(context.Background(), Entry{Client: "alice"}))
}

func TestHandleMessageTracksPeers(t *testing.T) {
	svc := newLocalService()

	join, err := json.Marshal(Entry{Document: "doc", Client: "carol", Instance: "instance-b"})
	require.NoError(t, err)
	svc.handleMessage(string(join))
	require.Len(t, svc.Local("doc"), 1)

	own, err := json.Marshal(Entry{Document: "doc", Client: "dave", Instance: "instance-a"})
	require.NoError(t, err)
	svc.handleMessage(string(own))
	assert.Len(t, svc.Local("doc"), 1)

	leave, err := json.Marshal(Entry{Document: "doc", Client: "carol", Instance: "instance-b", Disconnected: true})
	require.NoError(t, err)
	svc.handleMessage(string(leave))
	assert.Empty(t, svc.Local("doc"))

	svc.handleMessage("not json")
	svc.handleMessage(`{"client_id":"x"}`)
	assert.Empty(t, svc.Local("doc"))
}

func TestPresenceKeys(t *testing.T) {
	svc := newLocalService()
	assert.Equal(t, "presence:doc:room:client:alice", svc.presenceKey("room", "alice"))
	assert.Equal(t, "presence:doc:room", svc.channel("room"))
}
