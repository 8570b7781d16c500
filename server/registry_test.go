package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(t *testing.T, username, ip, uuid string, backendPort int) *ConnectionRecord {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return &ConnectionRecord{
		ClientIP:    ip,
		Domain:      "example.com",
		Username:    username,
		Uuid:        uuid,
		BackendHost: "10.0.0.1",
		BackendPort: backendPort,
		clientConn:  client,
	}
}

func TestRegistry_InsertAssignsMonotonicIds(t *testing.T) {
	r := NewRegistry()

	first := r.Insert(testRecord(t, "alice", "1.2.3.4", "", 25565))
	second := r.Insert(testRecord(t, "bob", "1.2.3.5", "", 25565))

	assert.Greater(t, second, first)
	assert.Equal(t, 2, r.Count())
}

func TestRegistry_QueriesAfterInsert(t *testing.T) {
	r := NewRegistry()

	id := r.Insert(testRecord(t, "alice", "1.2.3.4", "00000000000000000000000000000001", 25565))

	byName := r.ByUsername("alice", 25565)
	require.Len(t, byName, 1)
	assert.Equal(t, id, byName[0].ID)

	byIp := r.ByIP("1.2.3.4", 25565)
	require.Len(t, byIp, 1)
	assert.Equal(t, id, byIp[0].ID)

	byUuid := r.ByUuid("00000000000000000000000000000001", 25565)
	require.Len(t, byUuid, 1)
	assert.Equal(t, id, byUuid[0].ID)

	// The port filter scopes matches to one backend
	assert.Empty(t, r.ByUsername("alice", 25566))
	assert.Empty(t, r.ByIP("1.2.3.4", 25566))
	assert.Empty(t, r.ByUuid("00000000000000000000000000000001", 25566))
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()

	id := r.Insert(testRecord(t, "alice", "1.2.3.4", "", 25565))

	assert.True(t, r.Remove(id))
	assert.False(t, r.Remove(id))
	assert.Empty(t, r.ByUsername("alice", 25565))
	assert.Empty(t, r.Enumerate())
}

func TestRegistry_KickClosesClientSocket(t *testing.T) {
	r := NewRegistry()

	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	record := &ConnectionRecord{
		ClientIP:    "1.2.3.4",
		Domain:      "example.com",
		Username:    "alice",
		BackendHost: "10.0.0.1",
		BackendPort: 25565,
		clientConn:  client,
	}
	id := r.Insert(record)

	require.True(t, r.Kick(id))
	assert.False(t, r.Kick(id))
	assert.Empty(t, r.Enumerate())

	// The kicked session's socket observed the close
	buf := make([]byte, 1)
	_, err := client.Read(buf)
	assert.Error(t, err)
}

func TestRegistry_EnumerateSnapshots(t *testing.T) {
	r := NewRegistry()

	r.Insert(testRecord(t, "alice", "1.2.3.4", "", 25565))
	r.Insert(testRecord(t, "bob", "1.2.3.5", "", 25565))

	snapshot := r.Enumerate()
	require.Len(t, snapshot, 2)

	// Mutating the snapshot must not touch the registry
	snapshot[0].Username = "mallory"
	assert.Empty(t, r.ByUsername("mallory", 25565))
}
