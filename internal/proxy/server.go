// Package proxy implements the HTTPS proxy the monitored program is pointed
// at. CONNECT tunnels to target hosts are TLS-terminated with a leaf from the
// session CA and their exchanges captured; every other tunnel is spliced
// byte-for-byte.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/theirongolddev/tokmon/internal/model"
)

var (
	// ErrServerClosed is returned by Serve after Shutdown.
	ErrServerClosed = errors.New("proxy: server closed")
	// ErrIncomplete marks a response that ended before the upstream finished it.
	ErrIncomplete = errors.New("proxy: response incomplete")
	// ErrCaptureLimit marks a response larger than the capture limit.
	ErrCaptureLimit = errors.New("proxy: response exceeded capture limit")
	// ErrUpstream marks an exchange the upstream could not serve.
	ErrUpstream = errors.New("proxy: upstream request failed")
)

// Handler receives exchanges on target hosts. Methods are called from the
// connection goroutine after the response has been relayed to the client.
type Handler interface {
	// HandleExchange is called once per fully captured exchange.
	HandleExchange(ex *model.Exchange)
	// HandleDropped is called for an exchange whose capture did not complete.
	HandleDropped(ex *model.Exchange, reason error)
}

// CertSource mints leaf certificates for intercepted hosts.
type CertSource interface {
	LeafFor(host string) (*tls.Certificate, error)
}

// Config controls the proxy.
type Config struct {
	// Targets are the hostnames whose traffic is intercepted.
	Targets []string
	// MaxCaptureBytes bounds how much of each body is buffered for extraction.
	MaxCaptureBytes int64
	// UpstreamTimeout bounds the wait for upstream response headers.
	UpstreamTimeout time.Duration
	// HandshakeTimeout bounds reading the CONNECT request and the client TLS handshake.
	HandshakeTimeout time.Duration
	// UpstreamTLS is cloned for upstream connections; nil uses system roots.
	UpstreamTLS *tls.Config
	// DialContext dials upstream; nil uses a net.Dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	Logger      *zap.Logger
}

type connState int32

const (
	stateIdle   connState = iota // waiting for a CONNECT, handshake or next request
	stateActive                  // an exchange is in flight
	stateTunnel                  // raw passthrough
	stateClosed
)

type trackedConn struct {
	net.Conn
	state atomic.Int32
}

// activate moves an idle connection to active. It fails if Shutdown already
// claimed the connection.
func (c *trackedConn) activate() bool {
	return c.state.CompareAndSwap(int32(stateIdle), int32(stateActive))
}

func (c *trackedConn) setState(s connState) {
	for {
		cur := c.state.Load()
		if connState(cur) == stateClosed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Server is the interception proxy.
type Server struct {
	cfg       Config
	certs     CertSource
	handler   Handler
	log       *zap.Logger
	targets   map[string]struct{}
	transport *http.Transport

	baseCtx context.Context
	cancel  context.CancelFunc

	ln         net.Listener
	inShutdown atomic.Bool
	bypass     sync.Map

	mu    sync.Mutex
	conns map[*trackedConn]struct{}
	wg    sync.WaitGroup
}

// New creates a proxy. Call Listen, then Serve.
func New(cfg Config, certs CertSource, handler Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxCaptureBytes <= 0 {
		cfg.MaxCaptureBytes = 16 << 20
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.DialContext == nil {
		d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		cfg.DialContext = d.DialContext
	}

	upstreamTLS := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.UpstreamTLS != nil {
		upstreamTLS = cfg.UpstreamTLS.Clone()
	}
	// Responses are relayed over HTTP/1.1, so upstream speaks it too.
	upstreamTLS.NextProtos = []string{"http/1.1"}
	cfg.UpstreamTLS = upstreamTLS

	targets := make(map[string]struct{}, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if h := hostOnly(t); h != "" {
			targets[h] = struct{}{}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		certs:   certs,
		handler: handler,
		log:     cfg.Logger,
		targets: targets,
		transport: &http.Transport{
			DialContext:           cfg.DialContext,
			TLSClientConfig:       upstreamTLS,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: cfg.UpstreamTimeout,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			DisableCompression:    true,
		},
		baseCtx: ctx,
		cancel:  cancel,
		conns:   make(map[*trackedConn]struct{}),
	}
}

// Listen binds the proxy's listening socket.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy listen on %s: %w", addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address. Listen must have succeeded.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// URL returns the proxy URL to hand to clients.
func (s *Server) URL() string {
	return "http://" + s.ln.Addr().String()
}

// Serve accepts connections until Shutdown, then returns ErrServerClosed.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("proxy: Serve called before Listen")
	}
	s.wg.Add(1)
	defer s.wg.Done()

	var backoff time.Duration
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				s.log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("proxy accept: %w", err)
		}
		backoff = 0

		tc := &trackedConn{Conn: c}
		if !s.track(tc) {
			_ = c.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(tc)
			s.handleConn(tc)
		}()
	}
}

func (s *Server) track(c *trackedConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inShutdown.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *trackedConn) {
	c.state.Store(int32(stateClosed))
	_ = c.Close()
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Shutdown stops accepting connections and closes idle connections and
// passthrough tunnels at once. Exchanges in flight may finish until ctx is
// done; the rest are then forcibly closed. Shutdown returns once every
// connection goroutine has exited, with ctx.Err() if the grace period ran out.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.inShutdown.Store(true)
	s.mu.Unlock()

	if s.ln != nil {
		_ = s.ln.Close()
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	var err error
	for err == nil && s.closeIdle() > 0 {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			s.cancel()
			s.closeAll()
		case <-ticker.C:
		}
	}

	s.wg.Wait()
	s.cancel()
	s.transport.CloseIdleConnections()
	return err
}

// closeIdle closes connections that are not mid-exchange and returns how
// many connections remain active.
func (s *Server) closeIdle() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	for c := range s.conns {
		for {
			st := connState(c.state.Load())
			if st == stateActive {
				active++
				break
			}
			if st == stateClosed {
				break
			}
			if c.state.CompareAndSwap(int32(st), int32(stateClosed)) {
				_ = c.Close()
				break
			}
		}
	}
	return active
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.state.Store(int32(stateClosed))
		_ = c.Close()
	}
}

func (s *Server) shuttingDown() bool {
	return s.inShutdown.Load()
}

func (s *Server) isTarget(host string) bool {
	_, ok := s.targets[hostOnly(host)]
	return ok
}

func (s *Server) bypassed(host string) bool {
	_, ok := s.bypass.Load(hostOnly(host))
	return ok
}

func (s *Server) learnBypass(host string) {
	if _, loaded := s.bypass.LoadOrStore(hostOnly(host), struct{}{}); !loaded {
		s.log.Warn("client rejected intercepted TLS, tunneling host uninspected from now on",
			zap.String("host", hostOnly(host)))
	}
}

// hostOnly lowercases host and strips any port and trailing dot.
func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
}
