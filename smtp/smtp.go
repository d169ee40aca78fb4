package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Server accepts connections of one ConnectionKind and runs a Receiver per
// connection. Sessions never share mutable state; anything shared lives
// behind the handler.
type Server struct {
	config  Config
	kind    ConnectionKind
	handler ReceiverHandler

	tlsConfig *tls.Config
	clock     Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.Mutex
	ln net.Listener
}

// NewServer validates the configuration, loads the TLS key pair when one
// is configured, and returns a server ready to listen.
func NewServer(config Config, kind ConnectionKind, handler ReceiverHandler) (*Server, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var tlsConfig *tls.Config
	if config.Key != "" && config.Cert != "" {
		cert, err := tls.LoadX509KeyPair(config.Cert, config.Key)
		if err != nil {
			return nil, err
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	if kind == Tunneled && tlsConfig == nil {
		return nil, fmt.Errorf("tunneled listener requires a tls key pair")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:    config,
		kind:      kind,
		handler:   handler,
		tlsConfig: tlsConfig,
		clock:     SystemClock,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// SetClock overrides the time source, for deterministic tests.
func (srv *Server) SetClock(clock Clock) {
	srv.clock = clock
}

// TLSConfig exposes the loaded TLS material, mainly for tests.
func (srv *Server) TLSConfig() *tls.Config {
	return srv.tlsConfig
}

func (srv *Server) ListenAndServe() error {
	if srv.tlsConfig != nil {
		log.WithField("kind", srv.kind.String()).Info("Starting server with TLS support")
	} else {
		log.WithField("kind", srv.kind.String()).Info("Starting server WITHOUT TLS support")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", srv.config.Hostname, srv.config.Port))
	if err != nil {
		return err
	}

	return srv.Serve(ln)
}

func (srv *Server) Serve(ln net.Listener) error {
	srv.mu.Lock()
	srv.ln = ln
	srv.mu.Unlock()
	defer ln.Close()

	for {
		c, err := ln.Accept()
		if err != nil {
			if srv.ctx.Err() != nil {
				// Shutdown closed the listener.
				return nil
			}
			// Just a temporary error
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				log.WithField("err", err).Warn("Accept error")
				continue
			}
			return err
		}

		connectionsTotal.WithLabelValues(srv.kind.String()).Inc()
		srv.wg.Add(1)
		go srv.serveConn(c)
	}
}

// Shutdown closes the listener, cancels every running session (each gets
// a 421 between commands), and waits for them up to ctx's deadline.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.cancel()
	srv.mu.Lock()
	if srv.ln != nil {
		srv.ln.Close()
	}
	srv.mu.Unlock()

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (srv *Server) serveConn(c net.Conn) {
	defer srv.wg.Done()

	id := uuid.New().String()
	entry := log.WithFields(log.Fields{
		"client":  c.RemoteAddr().String(),
		"kind":    srv.kind.String(),
		"session": id,
	})

	defer func() {
		if rec := recover(); rec != nil {
			entry.WithFields(log.Fields{
				"panic": rec,
				"stack": string(debug.Stack()),
			}).Error("panic while serving connection")
			fmt.Fprintf(c, "421 4.3.0 %s Internal error\r\n", srv.config.Hostname)
			c.Close()
		}
	}()

	entry.Debug("Received new connection")
	receiver := NewReceiver(c, srv.kind, srv.config, srv.tlsConfig, srv.handler, srv.clock, entry)
	receiver.session.ID = id

	if err := receiver.Serve(srv.ctx); err != nil {
		entry.WithField("err", err).Debug("Session ended with error")
	} else {
		entry.Debug("Session ended")
	}
}
