package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/spinelabs/spine/internal/baseline"
	"github.com/spinelabs/spine/internal/broker"
	"github.com/spinelabs/spine/internal/credstore"
	"github.com/spinelabs/spine/internal/discovery"
	"github.com/spinelabs/spine/internal/netstate"
	"github.com/spinelabs/spine/internal/scheduler"
	"github.com/spinelabs/spine/internal/topology"
)

const defaultShutdownTimeout = 10 * time.Second

type Config struct {
	Logger      *slog.Logger
	Auth        Authenticator
	DB          Pinger
	Broker      broker.Broker
	Runner      *discovery.Runner
	Jobs        *discovery.Jobs
	Topology    *topology.Builder
	Cache       *netstate.BlobCache
	Schedules   scheduler.Store
	Baselines   baseline.Store
	Diff        *baseline.Engine
	Credentials *credstore.Store

	// Clock defaults to the real clock; tests inject a fake one.
	Clock clockwork.Clock

	// ShutdownTimeout bounds the graceful drain once the serve context is
	// cancelled. Defaults to 10s.
	ShutdownTimeout time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Auth == nil {
		return errors.New("authenticator is required")
	}
	if c.DB == nil {
		return errors.New("database pinger is required")
	}
	if c.Broker == nil {
		return errors.New("broker is required")
	}
	if c.Runner == nil {
		return errors.New("discovery runner is required")
	}
	if c.Jobs == nil {
		return errors.New("discovery jobs is required")
	}
	if c.Topology == nil {
		return errors.New("topology builder is required")
	}
	if c.Cache == nil {
		return errors.New("blob cache is required")
	}
	if c.Schedules == nil {
		return errors.New("schedule store is required")
	}
	if c.Baselines == nil {
		return errors.New("baseline store is required")
	}
	if c.Diff == nil {
		return errors.New("baseline engine is required")
	}
	if c.Credentials == nil {
		return errors.New("credential store is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}

type Server struct {
	log     *slog.Logger
	cfg     *Config
	handler *Handler
	httpSrv *http.Server

	shutdownOnce sync.Once
}

func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		handler: newHandler(cfg),
	}, nil
}

// Serve runs the API on the listener until ctx is cancelled, then drains
// in-flight requests. Synchronous discovery can hold a request for the
// length of a full SSH session, so the server sets no write timeout.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	s.handler.Register(mux)

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.shutdown()
	}()

	s.log.Info("api listening", "address", listener.Addr().String())
	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) shutdown() {
	s.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.log.Warn("api shutdown did not drain cleanly", "error", err)
		}
	})
}
