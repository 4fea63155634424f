package relay

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/cinience/rpcrelay/internal/completion"
	"github.com/cinience/rpcrelay/internal/conversation"
	"github.com/cinience/rpcrelay/internal/logger"
	"github.com/cinience/rpcrelay/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logger.Logger {
	return logger.NewWriter(logger.LevelNone, io.Discard, "")
}

func replyInvoker() completion.Invoker {
	return completion.Func(func(_ context.Context, history []conversation.Turn, image string) string {
		text, _ := conversation.LastUser(history)
		if image != "" {
			return "reply: " + text + " +image"
		}
		return "reply: " + text
	})
}

func newPeer(size int) *Peer {
	return &Peer{ID: "test", History: conversation.NewHistory(), Outbound: NewOutbound(size)}
}

func nextFrame(t *testing.T, p *Peer) string {
	t.Helper()
	select {
	case f := <-p.Outbound.Frames():
		return string(f)
	default:
		t.Fatal("expected a queued frame")
		return ""
	}
}

func TestDispatchInputQueuesOutput(t *testing.T) {
	d := NewDispatcher(replyInvoker(), quietLogger())
	p := newPeer(4)

	resp := d.Dispatch(context.Background(), p,
		[]byte(`{"protocolVersion":"2.0","method":"input","params":[{"input_text":"hi"},{"input_image":""},{"input_audio":""}],"id":1}`))
	require.Nil(t, resp)

	assert.JSONEq(t,
		`{"protocolVersion":"2.0","method":"output","params":[{"output_text":"reply: hi"},{"output_image":""},{"output_audio":""}],"id":1}`,
		nextFrame(t, p))
	assert.Equal(t, []conversation.Turn{
		{Role: conversation.RoleUser, Content: "hi"},
		{Role: conversation.RoleAssistant, Content: "reply: hi"},
	}, p.History.Snapshot())
}

func TestDispatchInputDefaultsAndImage(t *testing.T) {
	d := NewDispatcher(replyInvoker(), quietLogger())
	p := newPeer(4)

	require.Nil(t, d.Dispatch(context.Background(), p, []byte(`{"protocolVersion":"2.0","method":"input","id":"a"}`)))
	assert.Contains(t, nextFrame(t, p), `"output_text":"reply: "`)

	require.Nil(t, d.Dispatch(context.Background(), p,
		[]byte(`{"jsonrpc":"2.0","method":"input","params":[{"input_image":"abc"},{"input_text":"look"}],"id":"b"}`)))
	frame := nextFrame(t, p)
	assert.Contains(t, frame, `"output_text":"reply: look +image"`)
	assert.Contains(t, frame, `"id":"b"`)
	assert.Equal(t, 4, p.History.Len())
}

func TestDispatchProtocolErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{"parse error", `{"protocolVersion":`, `{"protocolVersion":"2.0","error":{"code":-32700,"message":"Parse error"},"id":null}`},
		{"not an object", `[1,2,3]`, `{"protocolVersion":"2.0","error":{"code":-32600,"message":"Invalid Request"},"id":null}`},
		{"missing method", `{"protocolVersion":"2.0","id":4}`, `{"protocolVersion":"2.0","error":{"code":-32600,"message":"Invalid Request"},"id":null}`},
		{"missing id", `{"protocolVersion":"2.0","method":"input"}`, `{"protocolVersion":"2.0","error":{"code":-32600,"message":"Invalid Request"},"id":null}`},
		{"unknown method", `{"protocolVersion":"2.0","method":"summon","id":7}`, `{"protocolVersion":"2.0","error":{"code":-32601,"message":"Method not found"},"id":7}`},
		{"non-string method", `{"protocolVersion":"2.0","method":5,"id":7}`, `{"protocolVersion":"2.0","error":{"code":-32601,"message":"Method not found"},"id":7}`},
		{"params not a list", `{"protocolVersion":"2.0","method":"input","params":{"input_text":"x"},"id":8}`, `{"protocolVersion":"2.0","error":{"code":-32602,"message":"Invalid params"},"id":8}`},
		{"text not a string", `{"protocolVersion":"2.0","method":"input","params":[{"input_text":5}],"id":9}`, `{"protocolVersion":"2.0","error":{"code":-32602,"message":"Invalid params"},"id":9}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(replyInvoker(), quietLogger())
			p := newPeer(4)

			resp := d.Dispatch(context.Background(), p, []byte(tt.frame))
			require.NotNil(t, resp)
			raw, err := resp.Marshal()
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(raw))
			assert.Equal(t, 0, p.History.Len())
			assert.Equal(t, 0, p.Outbound.Len())
		})
	}
}

func TestDispatchLogsDisconnectedPeerAtDebug(t *testing.T) {
	for _, level := range []logger.Level{logger.LevelInfo, logger.LevelDebug} {
		t.Run(level.String(), func(t *testing.T) {
			var out strings.Builder
			d := NewDispatcher(replyInvoker(), logger.NewWriter(level, &out, ""))
			p := newPeer(4)
			p.Outbound.Close()

			require.Nil(t, d.Dispatch(context.Background(), p,
				[]byte(`{"protocolVersion":"2.0","method":"input","params":[{"input_text":"bye"}],"id":1}`)))
			assert.NotContains(t, out.String(), "failed")
			if level == logger.LevelDebug {
				assert.Contains(t, out.String(), "input dropped")
			} else {
				assert.Empty(t, out.String())
			}
		})
	}
}

func TestDispatchEchoMethod(t *testing.T) {
	d := NewDispatcher(replyInvoker(), quietLogger())
	p := newPeer(4)

	require.Nil(t, d.Dispatch(context.Background(), p,
		[]byte(`{"protocolVersion":"2.0","method":"other_method","params":[{"k":"v"},{"n":1}],"id":2}`)))
	assert.JSONEq(t, `{"protocolVersion":"2.0","method":"output","params":[{"k":"v"},{"n":1}],"id":2}`, nextFrame(t, p))

	require.Nil(t, d.Dispatch(context.Background(), p, []byte(`{"protocolVersion":"2.0","method":"other_method","id":3}`)))
	assert.JSONEq(t, `{"protocolVersion":"2.0","method":"output","params":[],"id":3}`, nextFrame(t, p))
	assert.Equal(t, 0, p.History.Len())
}

func TestDispatchFailureTextBecomesAssistantTurn(t *testing.T) {
	inv := completion.Func(func(context.Context, []conversation.Turn, string) string {
		return completion.ErrorText(errors.New("upstream down"))
	})
	d := NewDispatcher(inv, quietLogger())
	p := newPeer(4)

	require.Nil(t, d.Dispatch(context.Background(), p, []byte(`{"protocolVersion":"2.0","method":"input","params":[{"input_text":"hi"}],"id":1}`)))
	assert.Contains(t, nextFrame(t, p), `"output_text":"Error: upstream down"`)
	turns := p.History.Snapshot()
	require.Len(t, turns, 2)
	assert.True(t, strings.HasPrefix(turns[1].Content, completion.ErrorPrefix))
}

func TestDispatchCustomHandler(t *testing.T) {
	d := NewDispatcher(replyInvoker(), quietLogger())
	d.Handle("ping", func(ctx context.Context, p *Peer, req *rpc.Request) error {
		return push(ctx, p, rpc.Success(req.ID, nil))
	})
	d.Handle("broken", func(context.Context, *Peer, *rpc.Request) error {
		return errors.New("internal")
	})
	d.Handle("refuse", func(context.Context, *Peer, *rpc.Request) error {
		return rpc.NewError(-32000, "refused")
	})
	p := newPeer(4)

	require.Nil(t, d.Dispatch(context.Background(), p, []byte(`{"protocolVersion":"2.0","method":"ping","id":1}`)))
	assert.JSONEq(t, `{"protocolVersion":"2.0","method":"output","params":[],"id":1}`, nextFrame(t, p))

	assert.Nil(t, d.Dispatch(context.Background(), p, []byte(`{"protocolVersion":"2.0","method":"broken","id":2}`)))

	resp := d.Dispatch(context.Background(), p, []byte(`{"protocolVersion":"2.0","method":"refuse","id":3}`))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32000, resp.Error.Code)
	assert.JSONEq(t, `3`, string(resp.ID))
}

func TestDispatchInputOnClosedQueue(t *testing.T) {
	d := NewDispatcher(replyInvoker(), quietLogger())
	p := newPeer(1)
	p.Outbound.Close()

	assert.Nil(t, d.Dispatch(context.Background(), p, []byte(`{"protocolVersion":"2.0","method":"input","id":1}`)))
	assert.Equal(t, 2, p.History.Len())
}
