package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/cinience/rpcrelay/internal/completion"
	"github.com/cinience/rpcrelay/internal/config"
	"github.com/cinience/rpcrelay/internal/conversation"
	"github.com/cinience/rpcrelay/internal/logger"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Options struct {
	Addr          string
	QueueSize     int
	MaxFrameBytes int64
}

// OptionsFromConfig maps the server section of the resolved config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Addr:          cfg.Addr(),
		QueueSize:     cfg.Server.QueueSize,
		MaxFrameBytes: cfg.Server.MaxFrameBytes,
	}
}

type Server struct {
	opts       Options
	dispatcher *Dispatcher
	registry   *conversation.Registry
	upgrader   websocket.Upgrader
	log        *logger.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	conns   sync.WaitGroup

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	stopping   bool
}

func NewServer(opts Options, invoker completion.Invoker, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = config.DefaultQueueSize
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = config.DefaultMaxFrameBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:       opts,
		dispatcher: NewDispatcher(invoker, log),
		registry:   conversation.NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     log,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

func (s *Server) Registry() *conversation.Registry { return s.registry }

// Handler serves /healthz and upgrades every other path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/", s.handleWebSocket)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("relay: server already started")
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:  s.Handler(),
		ErrorLog: logger.StdLogger(s.log, slog.LevelWarn),
	}
	srv := s.httpServer
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("relay server: %v", err)
		}
	}()
	s.log.Info("listening on ws://%s", ln.Addr())
	return nil
}

// Addr is the bound listener address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// Stop stops accepting, cancels every live connection and waits for their
// loops to finish or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	srv := s.httpServer
	s.mu.Unlock()
	s.cancel()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// track registers a live connection unless Stop has begun. Add and the
// stopping flag share s.mu so no Add can race Stop's Wait.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.conns.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade: %v", err)
		return
	}

	id := uuid.NewString()
	log := s.log.WithPrefix("conn " + id[:8])
	peer := &Peer{
		ID:       id,
		History:  s.registry.Open(id),
		Outbound: NewOutbound(s.opts.QueueSize),
	}
	defer s.registry.Close(id)

	log.Info("accepted %s", r.RemoteAddr)
	sess := newSession(peer, conn, s.dispatcher, s.opts.MaxFrameBytes, log)
	if err := sess.run(s.baseCtx); err != nil {
		log.Debug("closed: %v", err)
	}
	log.Info("closed after %d turns", peer.History.Len())
}
