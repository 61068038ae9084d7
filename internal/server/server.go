package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MITBorg/titanirc-sub000/internal/config"
	"github.com/MITBorg/titanirc-sub000/internal/irc"
	"github.com/MITBorg/titanirc-sub000/internal/metrics"
	"github.com/MITBorg/titanirc-sub000/internal/monitoring"
	"github.com/MITBorg/titanirc-sub000/internal/state"
	"github.com/MITBorg/titanirc-sub000/internal/store"
)

const poolQueueSize = 1024

// Server owns the listener, the worker pools and the root actors. One
// Server is one IRC network node.
type Server struct {
	cfg     *config.Config
	store   *store.Store
	logger  zerolog.Logger
	metrics *metrics.Registry
	cloaker *Cloaker

	listener    net.Listener
	clientPool  *WorkerPool
	channelPool *WorkerPool
	routerPool  *WorkerPool
	router      *Router

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a server from its dependencies. Call Start to listen.
func New(cfg *config.Config, st *store.Store, cloaker *Cloaker, logger zerolog.Logger, reg *metrics.Registry) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		logger:  logger.With().Str("component", "server").Logger(),
		metrics: reg,
		cloaker: cloaker,
	}
}

// Start binds the listen address, starts the pools and begins accepting
// connections. It returns once the listener is live.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress, err)
	}
	s.listener = listener

	s.clientPool = NewWorkerPool(s.cfg.ClientThreads, poolQueueSize, s.logger)
	s.channelPool = NewWorkerPool(s.cfg.ChannelThreads, poolQueueSize, s.logger)
	s.routerPool = NewWorkerPool(1, poolQueueSize, s.logger)
	s.clientPool.Start(ctx)
	s.channelPool.Start(ctx)
	s.routerPool.Start(ctx)

	s.router = NewRouter(s.cfg.ServerName, s.cfg.Motd, s.routerPool, s.channelPool,
		s.store, s.logger, s.metrics)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Int("client_threads", s.cfg.ClientThreads).
		Int("channel_threads", s.cfg.ChannelThreads).
		Msg("listening")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "accept_loop", nil)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer monitoring.RecoverPanic(s.logger, "connection", map[string]any{
				"remote": conn.RemoteAddr().String(),
			})
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn negotiates one raw connection into a client actor. The
// goroutine ends once the session is handed off or the negotiation
// fails.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	logger.Debug().Msg("connection accepted")

	reader := irc.NewReader(conn)
	writer := irc.NewWriter(conn)

	// the context timeout cannot interrupt a blocked read, the socket
	// deadline enforces it
	conn.SetDeadline(time.Now().Add(negotiationTimeout))

	negotiator := NewNegotiator(reader, writer, s.store, s.cfg.ServerName, logger, s.metrics)
	initiated, err := negotiator.Run(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("negotiation failed")
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	nick, err := s.claimNick(ctx, initiated.UserID, initiated.Nick)
	if err != nil {
		logger.Warn().Err(err).Str("nick", initiated.Nick).Msg("no nick available")
		writer.WriteMessage(reply(s.cfg.ServerName, irc.ErrNicknameInUse, initiated.Nick,
			initiated.Nick, "Nickname is already in use"))
		conn.Close()
		return
	}

	user := state.User{
		ID:       initiated.UserID,
		Nick:     nick,
		Username: initiated.Username,
		RealName: initiated.RealName,
		Cloak:    s.cloaker.Cloak(conn.RemoteAddr()),
		AuthedAt: time.Now(),
	}

	client := NewClient(conn, reader, writer, user, s.clientPool, s.router,
		s.store, s.logger, s.metrics, s.cfg.ServerName)
	client.Start()
}

// claimNick reserves the requested nick for the account, falling back to
// a derived nick when another account owns it.
func (s *Server) claimNick(ctx context.Context, user state.UserID, nick string) (string, error) {
	ok, err := s.store.ReserveNick(ctx, user, nick)
	if err != nil {
		return "", err
	}
	if ok {
		return nick, nil
	}

	fallback := fmt.Sprintf("%s%d", nick, int64(user))
	ok, err = s.store.ReserveNick(ctx, user, fallback)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("nick %s and fallback %s both taken", nick, fallback)
	}
	return fallback, nil
}

// Shutdown stops accepting, disconnects every client and waits for
// in-flight work, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener != nil {
		s.listener.Close()
	}

	if s.router != nil {
		done := make(chan struct{})
		s.router.Send(rShutdown{done: done})
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		s.logger.Warn().Msg("shutdown deadline reached with connections still open")
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.clientPool.Stop()
	s.channelPool.Stop()
	s.routerPool.Stop()

	s.logger.Info().Msg("server stopped")
	return nil
}
