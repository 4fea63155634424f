package client

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chzyer/readline"
	"github.com/cinience/rpcrelay/internal/completion"
	"github.com/cinience/rpcrelay/internal/conversation"
	"github.com/cinience/rpcrelay/internal/logger"
	"github.com/cinience/rpcrelay/internal/relay"
	"github.com/cinience/rpcrelay/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func startRelay(t *testing.T, inv completion.Invoker) (*relay.Server, string) {
	t.Helper()
	srv := relay.NewServer(relay.Options{Addr: "127.0.0.1:0"}, inv, logger.NewWriter(logger.LevelNone, io.Discard, ""))
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, "ws://" + srv.Addr() + "/"
}

func echoInvoker() completion.Invoker {
	return completion.NewClient(completion.BackendEcho, completion.Echo{}, time.Second)
}

func TestSendAssignsIncreasingIDs(t *testing.T) {
	_, url := startRelay(t, echoInvoker())
	out := &syncBuffer{}
	c, err := Dial(context.Background(), url, out)
	require.NoError(t, err)

	for want := int64(1); want <= 3; want++ {
		id, err := c.Send("hi", "")
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, 3, strings.Count(out.String(), "echo: hi\n"))
	require.NoError(t, c.Close(ctx))
	assert.NoError(t, c.Err())
}

func TestRunSendsLinesAndDrainsOnExit(t *testing.T) {
	slow := completion.Func(func(_ context.Context, history []conversation.Turn, _ string) string {
		time.Sleep(30 * time.Millisecond)
		text, _ := conversation.LastUser(history)
		return "got " + text
	})
	srv, url := startRelay(t, slow)
	out := &syncBuffer{}
	c, err := Dial(context.Background(), url, out)
	require.NoError(t, err)

	input := "first\n\nsecond\nthird\nEXIT\nnever sent\n"
	require.NoError(t, c.Run(context.Background(), NewScannerReader(strings.NewReader(input)), Options{DrainTimeout: 5 * time.Second}))

	assert.Equal(t, "got first\ngot second\ngot third\n", out.String())
	assert.NotContains(t, out.String(), "never sent")
	assert.Eventually(t, func() bool { return srv.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunStopsAtEndOfInput(t *testing.T) {
	_, url := startRelay(t, echoInvoker())
	out := &syncBuffer{}
	c, err := Dial(context.Background(), url, out)
	require.NoError(t, err)

	require.NoError(t, c.Run(context.Background(), NewScannerReader(strings.NewReader("only line")), Options{}))
	assert.Equal(t, "echo: only line\n", out.String())
}

func TestRunAttachesImageToNextMessage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pic.jpg")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	_, url := startRelay(t, echoInvoker())
	out := &syncBuffer{}
	c, err := Dial(context.Background(), url, out)
	require.NoError(t, err)

	input := "/image " + path + "\nlook\nagain\nexit\n"
	require.NoError(t, c.Run(context.Background(), NewScannerReader(strings.NewReader(input)), Options{}))

	got := out.String()
	assert.Contains(t, got, "attached "+path)
	assert.Contains(t, got, "echo: look [image: 8 bytes]\n")
	assert.Contains(t, got, "echo: again\n")
}

func TestRunLocalCommands(t *testing.T) {
	_, url := startRelay(t, echoInvoker())
	out := &syncBuffer{}
	c, err := Dial(context.Background(), url, out)
	require.NoError(t, err)

	input := "/help\n/image\n/image /does/not/exist\n/bogus\nexit\n"
	require.NoError(t, c.Run(context.Background(), NewScannerReader(strings.NewReader(input)), Options{}))

	got := out.String()
	assert.Contains(t, got, "/image <path>")
	assert.Contains(t, got, "usage: /image <path>")
	assert.Contains(t, got, "cannot attach image")
	assert.Contains(t, got, "unknown command: /bogus")
	assert.NotContains(t, got, "echo:")
}

func TestClientPrintsErrorEnvelopes(t *testing.T) {
	srv := relay.NewServer(relay.Options{Addr: "127.0.0.1:0"}, echoInvoker(), logger.NewWriter(logger.LevelNone, io.Discard, ""))
	srv.Dispatcher().Handle(rpc.MethodInput, func(context.Context, *relay.Peer, *rpc.Request) error {
		return rpc.ErrInvalidParams()
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	out := &syncBuffer{}
	c, err := Dial(context.Background(), "ws://"+srv.Addr()+"/", out)
	require.NoError(t, err)

	_, err = c.Send("x", "")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
	assert.Equal(t, "error -32602: Invalid params\n", out.String())
	require.NoError(t, c.Close(ctx))
}

func TestWaitReportsDroppedConnection(t *testing.T) {
	block := make(chan struct{})
	inv := completion.Func(func(ctx context.Context, _ []conversation.Turn, _ string) string {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return "late"
	})
	srv, url := startRelay(t, inv)
	defer close(block)

	c, err := Dial(context.Background(), url, io.Discard)
	require.NoError(t, err)
	_, err = c.Send("hang", "")
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = srv.Stop(stopCtx) }()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWait()
	err = c.Wait(waitCtx)
	if err != nil {
		require.ErrorIs(t, err, ErrClosed)
	}

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("receive loop did not stop")
	}
	_, err = c.Send("after", "")
	require.ErrorIs(t, err, ErrClosed)
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/", nil)
	require.Error(t, err)
}

func TestIsReadTermination(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "eof", err: io.EOF, want: true},
		{name: "interrupt", err: readline.ErrInterrupt, want: true},
		{name: "nil", err: nil, want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isReadTermination(tc.err); got != tc.want {
				t.Fatalf("isReadTermination(%v)=%v want=%v", tc.err, got, tc.want)
			}
		})
	}
}

func TestScannerReader(t *testing.T) {
	r := NewScannerReader(strings.NewReader("a\nb"))
	line, err := r.Readline()
	require.NoError(t, err)
	assert.Equal(t, "a", line)
	line, err = r.Readline()
	require.NoError(t, err)
	assert.Equal(t, "b", line)
	_, err = r.Readline()
	require.ErrorIs(t, err, io.EOF)
}
