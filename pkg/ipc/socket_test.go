package ipc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/baaaht/extipc/internal/logger"
	"github.com/billm/baaaht/extipc/pkg/types"
)

func TestListenRequiresPath(t *testing.T) {
	_, err := Listen("", StreamConfig{}, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestSocketDialAndAccept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipc.sock")

	sock, err := Listen(path, StreamConfig{}, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, path, sock.Path())
	assert.FileExists(t, path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type accepted struct {
		ch  *StreamChannel
		err error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		ch, err := sock.Accept(ctx)
		acceptCh <- accepted{ch, err}
	}()

	parentCh, err := Dial(ctx, path, StreamConfig{}, logger.NewNop())
	require.NoError(t, err)
	defer parentCh.Close()

	a := <-acceptCh
	require.NoError(t, a.err)
	childCh := a.ch

	node, err := NewNode(childCh, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, node.On("ping", func(s *Sender, _ json.RawMessage) {
		_ = s.Next("pong")
	}))

	client, err := NewClient(parentCh, logger.NewNop())
	require.NoError(t, err)

	require.NoError(t, childCh.Start(ctx))
	require.NoError(t, parentCh.Start(ctx))

	result, err := client.Call(ctx, "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(result))
	assert.Equal(t, 1, sock.Stats().Accepted)

	require.NoError(t, sock.Close())
	<-childCh.Done()
	<-parentCh.Done()

	assert.NoFileExists(t, path)
	assert.True(t, sock.Stats().Closed)
	assert.NoError(t, sock.Close())
}

func TestSocketReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipc.sock")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))

	sock, err := Listen(path, StreamConfig{}, logger.NewNop())
	require.NoError(t, err)
	defer sock.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSocket)
}

func TestSocketAcceptCanceled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipc.sock")

	sock, err := Listen(path, StreamConfig{}, logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = sock.Accept(ctx)
	assert.True(t, types.IsErrCode(err, types.ErrCodeCanceled))
	assert.True(t, sock.Stats().Closed)

	_, err = sock.Accept(context.Background())
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}

func TestDialMissingSocket(t *testing.T) {
	_, err := Dial(context.Background(), filepath.Join(t.TempDir(), "none.sock"), StreamConfig{}, logger.NewNop())
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}
