package proxy

import (
	"bufio"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// tlsRecordHandshake is the first byte of a TLS ClientHello record.
const tlsRecordHandshake = 0x16

func (s *Server) handleConn(c *trackedConn) {
	log := s.log.With(zap.String("client", c.RemoteAddr().String()))

	_ = c.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	br := bufio.NewReader(c)
	req, err := http.ReadRequest(br)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Debug("reading proxy request", zap.Error(err))
		}
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	if req.Method != http.MethodConnect {
		s.servePlain(c, br, req, log)
		return
	}

	authority := req.Host
	if _, _, err := net.SplitHostPort(authority); err != nil {
		authority = net.JoinHostPort(authority, "443")
	}
	log = log.With(zap.String("host", authority))

	if !s.isTarget(authority) || s.bypassed(authority) {
		s.tunnel(c, br, authority, log)
		return
	}

	leaf, err := s.certs.LeafFor(hostOnly(authority))
	if err != nil {
		log.Warn("no leaf certificate, tunneling uninspected", zap.Error(err))
		s.tunnel(c, br, authority, log)
		return
	}

	if _, err := io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	// Anything other than a TLS handshake cannot be terminated; splice it.
	_ = c.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	first, err := br.Peek(1)
	if err != nil {
		return
	}
	if first[0] != tlsRecordHandshake {
		_ = c.SetReadDeadline(time.Time{})
		log.Debug("tunneled client is not speaking TLS, splicing")
		s.splice(c, br, authority, log)
		return
	}

	tlsConn := tls.Server(&bufferedConn{Conn: c, r: br}, &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		NextProtos:   []string{"http/1.1"},
		MinVersion:   tls.VersionTLS12,
	})
	if err := tlsConn.HandshakeContext(s.baseCtx); err != nil {
		if !s.shuttingDown() {
			s.learnBypass(authority)
			log.Debug("client TLS handshake failed", zap.Error(err))
		}
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	s.serveIntercepted(c, tlsConn, authority, log)
}

// tunnel answers the CONNECT and relays bytes both ways without inspecting them.
func (s *Server) tunnel(c *trackedConn, br *bufio.Reader, authority string, log *zap.Logger) {
	upstream, err := s.cfg.DialContext(s.baseCtx, "tcp", authority)
	if err != nil {
		log.Debug("tunnel dial failed", zap.Error(err))
		_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
		return
	}
	defer upstream.Close()

	if _, err := io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}
	c.setState(stateTunnel)
	relay(c, br, upstream, log)
}

// splice connects an already-answered CONNECT to the upstream as a raw tunnel.
func (s *Server) splice(c *trackedConn, br *bufio.Reader, authority string, log *zap.Logger) {
	upstream, err := s.cfg.DialContext(s.baseCtx, "tcp", authority)
	if err != nil {
		log.Debug("splice dial failed", zap.Error(err))
		return
	}
	defer upstream.Close()

	c.setState(stateTunnel)
	relay(c, br, upstream, log)
}

// relay copies client to upstream and back until both directions finish.
// Bytes the client sent early and that br already buffered go first.
func relay(client net.Conn, buffered io.Reader, upstream net.Conn, log *zap.Logger) {
	done := make(chan int64, 1)
	go func() {
		n, _ := io.Copy(upstream, buffered)
		closeWrite(upstream)
		done <- n
	}()

	down, _ := io.Copy(client, upstream)
	closeWrite(client)

	var up int64
	select {
	case up = <-done:
	case <-time.After(5 * time.Second):
		// Upstream is gone and the client keeps its write side open.
		_ = client.Close()
		up = <-done
	}

	log.Debug("tunnel closed", zap.Int64("bytes_up", up), zap.Int64("bytes_down", down))
}

func closeWrite(c net.Conn) {
	type closeWriter interface{ CloseWrite() error }
	switch cw := c.(type) {
	case closeWriter:
		_ = cw.CloseWrite()
	case *trackedConn:
		closeWrite(cw.Conn)
	default:
		_ = c.Close()
	}
}

// bufferedConn reads through a bufio.Reader that may already hold bytes the
// client sent after its CONNECT.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
