package backend

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.lspmux.dev/lspmux/internal/capability"
	"go.lspmux.dev/lspmux/internal/config"
)

// newTestHandle builds a Handle with no real transport: fine for every
// test here since none of them exercise Run/ReadMessage.
func newTestHandle(cfg config.Backend) *Handle {
	return New("test", cfg, nil)
}

func TestSendRequestAllocatesUniqueIncreasingIDs(t *testing.T) {
	h := newTestHandle(config.Backend{Cmd: "x"})

	id1 := h.SendRequest("textDocument/completion", nil, json.RawMessage("1"))
	id2 := h.SendRequest("textDocument/completion", nil, json.RawMessage("2"))

	assert.NotEqual(t, string(id1), string(id2))

	<-h.Outbound()
	<-h.Outbound()
}

func TestOnResponsePopsPendingEntry(t *testing.T) {
	h := newTestHandle(config.Backend{Cmd: "x"})
	clientID := json.RawMessage(`"abc"`)

	backendID := h.SendRequest("textDocument/formatting", nil, clientID)
	<-h.Outbound()

	p, ok := h.OnResponse(backendID)
	require.True(t, ok)
	assert.Equal(t, "textDocument/formatting", p.Method)
	assert.Equal(t, string(clientID), string(p.ClientID))

	// A second lookup for the same id must fail: entries are removed once
	// consumed.
	_, ok = h.OnResponse(backendID)
	assert.False(t, ok)
}

func TestOnResponseUnknownIDReturnsFalse(t *testing.T) {
	h := newTestHandle(config.Backend{Cmd: "x"})
	_, ok := h.OnResponse(json.RawMessage("999"))
	assert.False(t, ok)
}

func TestPendingIDForClientFindsRegardlessOfMethod(t *testing.T) {
	h := newTestHandle(config.Backend{Cmd: "x"})
	clientID := json.RawMessage("5")

	backendID := h.SendRequest("workspace/executeCommand", nil, clientID)
	<-h.Outbound()

	got, ok := h.PendingIDForClient(clientID)
	require.True(t, ok)
	assert.Equal(t, string(backendID), string(got))

	_, ok = h.PendingIDForClient(json.RawMessage("404"))
	assert.False(t, ok)
}

func TestSetCapabilitiesMarksInitialized(t *testing.T) {
	h := newTestHandle(config.Backend{Cmd: "x"})
	assert.False(t, h.Initialized())

	h.SetCapabilities(capability.Set{"completionProvider": map[string]any{}})
	assert.True(t, h.Initialized())
	assert.True(t, h.Supports(capability.Completion, ""))
}

func TestMarkDeadIsIdempotentAndDrainsPending(t *testing.T) {
	h := newTestHandle(config.Backend{Cmd: "x"})
	h.SendRequest("textDocument/completion", nil, json.RawMessage("1"))
	<-h.Outbound()

	dead, err := h.Dead()
	assert.False(t, dead)
	assert.NoError(t, err)

	sentinel := errors.New("boom")
	h.MarkDead(sentinel)
	h.MarkDead(errors.New("second call ignored"))

	dead, err = h.Dead()
	assert.True(t, dead)
	assert.Equal(t, sentinel, err)

	pending := h.DrainPending()
	assert.Len(t, pending, 1)

	// Draining again returns nothing: the map was cleared.
	assert.Empty(t, h.DrainPending())
}

func TestMarkExitSentOnlyOnce(t *testing.T) {
	h := newTestHandle(config.Backend{Cmd: "x"})
	assert.True(t, h.MarkExitSent())
	assert.False(t, h.MarkExitSent())
}
