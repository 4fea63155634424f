// Package relay serves the chat relay over WebSocket: one receive loop and
// one send loop per connection, a per-connection History and a FIFO of
// outbound frames between them.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/cinience/rpcrelay/internal/completion"
	"github.com/cinience/rpcrelay/internal/conversation"
	"github.com/cinience/rpcrelay/internal/logger"
	"github.com/cinience/rpcrelay/internal/rpc"
)

// Peer is the per-connection state handed to handlers.
type Peer struct {
	ID       string
	History  *conversation.History
	Outbound *Outbound
}

// HandlerFunc serves one decoded request. Returning an *rpc.Error makes the
// dispatcher answer synchronously with that error and the request id.
type HandlerFunc func(ctx context.Context, peer *Peer, req *rpc.Request) error

type Dispatcher struct {
	invoker  completion.Invoker
	handlers map[string]HandlerFunc
	log      *logger.Logger
}

func NewDispatcher(invoker completion.Invoker, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Global()
	}
	d := &Dispatcher{
		invoker:  invoker,
		handlers: make(map[string]HandlerFunc),
		log:      log,
	}
	d.Handle(rpc.MethodInput, d.handleInput)
	d.Handle(rpc.MethodEcho, d.handleEcho)
	return d
}

// Handle registers fn for method, replacing any previous handler.
func (d *Dispatcher) Handle(method string, fn HandlerFunc) {
	d.handlers[method] = fn
}

// Dispatch processes one inbound frame. A non-nil result is a protocol error
// the caller must push on the peer's queue; nil means the handler already
// queued whatever it had to send.
func (d *Dispatcher) Dispatch(ctx context.Context, peer *Peer, frame []byte) *rpc.Response {
	req, perr := rpc.Decode(frame)
	if perr != nil {
		d.log.Debug("conn %s: rejected frame: %v", peer.ID, perr)
		return rpc.Failure(nil, perr)
	}
	fn, ok := d.handlers[req.Method]
	if !ok {
		d.log.Debug("conn %s: unknown method %q", peer.ID, req.Method)
		return rpc.Failure(req.ID, rpc.ErrMethodNotFound())
	}
	if err := fn(ctx, peer, req); err != nil {
		var rerr *rpc.Error
		if errors.As(err, &rerr) {
			return rpc.Failure(req.ID, rerr)
		}
		if isPeerGone(err) {
			d.log.Debug("conn %s: %s dropped: %v", peer.ID, req.Method, err)
			return nil
		}
		d.log.Warn("conn %s: %s failed: %v", peer.ID, req.Method, err)
	}
	return nil
}

// isPeerGone reports errors caused by the connection going away before its
// response could be queued.
func isPeerGone(err error) bool {
	return errors.Is(err, ErrQueueClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (d *Dispatcher) handleInput(ctx context.Context, peer *Peer, req *rpc.Request) error {
	objs, perr := req.Objects()
	if perr != nil {
		return perr
	}
	text, perr := rpc.StringParam(objs, rpc.KeyInputText)
	if perr != nil {
		return perr
	}
	image, perr := rpc.StringParam(objs, rpc.KeyInputImage)
	if perr != nil {
		return perr
	}

	if err := peer.History.AppendUser(text); err != nil {
		return fmt.Errorf("append user turn: %w", err)
	}
	reply := d.invoker.Complete(ctx, peer.History.Snapshot(), image)
	if completion.IsErrorText(reply) {
		d.log.Warn("conn %s: completion failed: %s", peer.ID, reply)
	}
	if err := peer.History.AppendAssistant(reply); err != nil {
		return fmt.Errorf("append assistant turn: %w", err)
	}
	return push(ctx, peer, rpc.Success(req.ID, rpc.OutputParams(reply)))
}

func (d *Dispatcher) handleEcho(ctx context.Context, peer *Peer, req *rpc.Request) error {
	return push(ctx, peer, rpc.Success(req.ID, req.Params))
}

func push(ctx context.Context, peer *Peer, resp *rpc.Response) error {
	frame, err := resp.Marshal()
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return peer.Outbound.Push(ctx, frame)
}
