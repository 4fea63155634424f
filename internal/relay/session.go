package relay

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cinience/rpcrelay/internal/logger"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

type State int32

const (
	StateAccepted State = iota
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// session coordinates the two loops of one connection.
type session struct {
	peer          *Peer
	conn          *websocket.Conn
	dispatcher    *Dispatcher
	maxFrameBytes int64
	state         atomic.Int32
	log           *logger.Logger
}

func newSession(peer *Peer, conn *websocket.Conn, d *Dispatcher, maxFrameBytes int64, log *logger.Logger) *session {
	s := &session{
		peer:          peer,
		conn:          conn,
		dispatcher:    d,
		maxFrameBytes: maxFrameBytes,
		log:           log,
	}
	s.setState(StateAccepted)
	return s
}

func (s *session) State() State { return State(s.state.Load()) }

func (s *session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug("state %s -> %s", prev, st)
	}
}

// run blocks until both loops have returned. The connection is closed on
// return.
func (s *session) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		s.setState(StateClosing)
		_ = s.conn.Close()
	})
	defer stop()

	s.setState(StateActive)
	g.Go(func() error { return s.receiveLoop(gctx) })
	g.Go(func() error { return s.sendLoop(gctx) })
	err := g.Wait()

	s.setState(StateClosing)
	_ = s.conn.Close()
	s.setState(StateClosed)
	return err
}

func (s *session) receiveLoop(ctx context.Context) error {
	defer s.peer.Outbound.Close()

	if s.maxFrameBytes > 0 {
		s.conn.SetReadLimit(s.maxFrameBytes)
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		// No frame is read while a previous one is being served, so the
		// deadline only covers idle time between requests.
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("read error: %v", err)
			}
			return fmt.Errorf("read: %w", err)
		}

		resp := s.dispatcher.Dispatch(ctx, s.peer, frame)
		if resp == nil {
			continue
		}
		data, err := resp.Marshal()
		if err != nil {
			return fmt.Errorf("marshal response: %w", err)
		}
		if err := s.peer.Outbound.Push(ctx, data); err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (s *session) sendLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	q := s.peer.Outbound
	for {
		select {
		case frame := <-q.Frames():
			if err := s.write(frame); err != nil {
				return err
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case <-q.Done():
			return s.drain()
		case <-ctx.Done():
			return nil
		}
	}
}

// drain flushes frames queued before Close, then says goodbye.
func (s *session) drain() error {
	q := s.peer.Outbound
	for {
		select {
		case frame := <-q.Frames():
			if err := s.write(frame); err != nil {
				return err
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return nil
		}
	}
}

func (s *session) write(frame []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
