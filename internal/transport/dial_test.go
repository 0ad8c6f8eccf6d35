package transport

import (
	"encoding/json"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.lspmux.dev/lspmux/internal/jsonrpc"
)

func TestSpawnStdioRoundTripsThroughCat(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("cat is not available on windows")
	}

	proc, err := SpawnStdio("cat", nil)
	require.NoError(t, err)
	defer proc.Kill()

	msg := jsonrpc.NewNotification("textDocument/didOpen", json.RawMessage(`{"uri":"file:///x"}`))
	require.NoError(t, proc.WriteMessage(msg))

	got, err := proc.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "textDocument/didOpen", got.Method)
}

func TestDialTCPConnectsAndFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *Stream, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- NewStream(conn, conn, conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	client, err := DialTCP("127.0.0.1", addr.Port, time.Second)
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	require.NoError(t, client.WriteMessage(jsonrpc.NewRequest(json.RawMessage("1"), "initialize", nil)))
	got, err := server.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "initialize", got.Method)
}

func TestDialTCPFailsOnUnreachablePort(t *testing.T) {
	_, err := DialTCP("127.0.0.1", 1, 50*time.Millisecond)
	assert.Error(t, err)
}
