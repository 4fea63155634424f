// Package client is the interactive side of the relay: it dials the server,
// sends each typed line as an input request and prints every response as it
// arrives.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cinience/rpcrelay/internal/logger"
	"github.com/cinience/rpcrelay/internal/rpc"
	"github.com/gorilla/websocket"
)

const (
	DefaultDrainTimeout = 30 * time.Second

	writeWait = 10 * time.Second
)

var ErrClosed = errors.New("client: connection closed")

type Client struct {
	conn *websocket.Conn
	out  io.Writer
	log  *logger.Logger

	ids atomic.Int64
	wmu sync.Mutex
	omu sync.Mutex

	mu      sync.Mutex
	pending map[int64]struct{}
	changed chan struct{}

	closing atomic.Bool
	done    chan struct{}
	recvErr error
}

// Dial connects to url and starts printing responses to out.
func Dial(ctx context.Context, url string, out io.Writer) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if out == nil {
		out = io.Discard
	}
	c := &Client{
		conn:    conn,
		out:     out,
		log:     logger.Global().WithPrefix("client"),
		pending: make(map[int64]struct{}),
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go c.receive()
	return c, nil
}

// Send writes one input request and returns its id. Ids start at 1 and are
// never reused.
func (c *Client) Send(text, image string) (int64, error) {
	select {
	case <-c.done:
		return 0, ErrClosed
	default:
	}
	id := c.ids.Add(1)
	frame, err := rpc.NewRequest(id, rpc.MethodInput, rpc.InputParams(text, image)).Marshal()
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.pending[id] = struct{}{}
	c.mu.Unlock()

	c.wmu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.conn.WriteMessage(websocket.TextMessage, frame)
	c.wmu.Unlock()
	if err != nil {
		c.settle(id)
		return 0, fmt.Errorf("send request %d: %w", id, err)
	}
	return id, nil
}

func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Done is closed when the receive loop has stopped.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the receive loop stopped. It is nil after a clean close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.recvErr
	default:
		return nil
	}
}

// Wait blocks until every sent request has been answered, the connection
// drops, or ctx expires.
func (c *Client) Wait(ctx context.Context) error {
	for {
		if c.Pending() == 0 {
			return nil
		}
		select {
		case <-c.changed:
		case <-c.done:
			if n := c.Pending(); n > 0 {
				return fmt.Errorf("%w with %d responses outstanding", ErrClosed, n)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close sends a close frame, waits for the receive loop to finish or ctx to
// expire, and releases the socket.
func (c *Client) Close(ctx context.Context) error {
	c.closing.Store(true)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.wmu.Lock()
	werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.wmu.Unlock()

	var err error
	if werr == nil {
		select {
		case <-c.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	_ = c.conn.Close()
	<-c.done
	return err
}

func (c *Client) receive() {
	defer close(c.done)
	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if !c.isCleanClose(err) {
				c.recvErr = err
				c.log.Debug("receive stopped: %v", err)
			}
			return
		}
		resp, err := rpc.DecodeResponse(frame)
		if err != nil {
			c.printf("unreadable response: %s\n", frame)
			continue
		}
		c.print(resp, frame)
		if id, ok := resp.IntID(); ok {
			c.settle(id)
		}
	}
}

func (c *Client) isCleanClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return c.closing.Load() && errors.Is(err, net.ErrClosed)
}

func (c *Client) print(resp *rpc.Response, frame []byte) {
	switch {
	case resp.Error != nil:
		c.printf("error %d: %s\n", resp.Error.Code, resp.Error.Message)
	default:
		if text, ok := resp.OutputText(); ok {
			c.printf("%s\n", text)
			return
		}
		c.printf("%s\n", frame)
	}
}

func (c *Client) printf(format string, args ...any) {
	c.omu.Lock()
	defer c.omu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *Client) settle(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
	select {
	case c.changed <- struct{}{}:
	default:
	}
}
