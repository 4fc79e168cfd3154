package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry_RegisterAndLookup(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("sess-1", "transport-abc")
	tid, ok := r.TransportFor("sess-1")
	assert.True(t, ok)
	assert.Equal(t, "transport-abc", tid)
}

func TestSessionRegistry_NotFound(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.TransportFor("unknown")
	assert.False(t, ok)
}

func TestSessionRegistry_Reconnect(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("sess-1", "transport-old")
	r.Register("sess-1", "transport-new")

	tid, ok := r.TransportFor("sess-1")
	assert.True(t, ok)
	assert.Equal(t, "transport-new", tid)
}

func TestSessionRegistry_DropTransport(t *testing.T) {
	r := NewSessionRegistry()

	r.Register("sess-1", "transport-abc")
	r.Register("sess-2", "transport-abc")
	r.Register("sess-3", "transport-xyz")

	r.DropTransport("transport-abc")

	_, ok := r.TransportFor("sess-1")
	assert.False(t, ok, "sess-1 should be dropped")

	_, ok = r.TransportFor("sess-2")
	assert.False(t, ok, "sess-2 should be dropped")

	tid, ok := r.TransportFor("sess-3")
	assert.True(t, ok, "sess-3 should survive")
	assert.Equal(t, "transport-xyz", tid)
}
