package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/theirongolddev/tokmon/internal/extract"
	"github.com/theirongolddev/tokmon/internal/model"
)

// maxRecordedHead bounds how much of a request head is kept for replay when
// it fails to parse.
const maxRecordedHead = 1 << 20

// serveIntercepted reads requests from a TLS-terminated tunnel and relays
// each to the upstream, capturing the exchange.
func (s *Server) serveIntercepted(c *trackedConn, client *tls.Conn, authority string, log *zap.Logger) {
	rec := &headRecorder{r: client}
	br := bufio.NewReader(rec)

	for {
		c.setState(stateIdle)
		if s.shuttingDown() {
			return
		}
		if _, err := br.Peek(1); err != nil {
			return
		}
		if !c.activate() {
			return
		}

		rec.start(br)
		req, err := http.ReadRequest(br)
		if err != nil {
			head, ok := rec.bytes()
			if !ok {
				log.Warn("unparsable request too large to replay, closing", zap.Error(err))
				return
			}
			log.Warn("unparsable request on intercepted tunnel, relaying uninspected", zap.Error(err))
			s.replay(c, client, head, authority, log)
			return
		}
		rec.stop()

		if !s.exchange(client, req, authority, log) {
			return
		}
	}
}

// exchange relays one request and its response, then reports the exchange to
// the handler. It returns whether the connection may carry another request.
func (s *Server) exchange(client *tls.Conn, req *http.Request, authority string, log *zap.Logger) bool {
	started := time.Now()
	ex := &model.Exchange{
		ID:      uuid.NewString(),
		Host:    hostOnly(authority),
		Method:  req.Method,
		Path:    req.URL.RequestURI(),
		Started: started,
	}
	log = log.With(zap.String("exchange_id", ex.ID), zap.String("method", ex.Method), zap.String("path", ex.Path))

	if strings.EqualFold(req.Header.Get("Expect"), "100-continue") {
		if _, err := io.WriteString(client, "HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
			return false
		}
		req.Header.Del("Expect")
	}

	reqBody, body, err := captureRequestBody(req.Body, s.cfg.MaxCaptureBytes)
	if err != nil {
		log.Debug("reading request body", zap.Error(err))
		return false
	}
	ex.RequestBody = reqBody

	ctx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()

	out := req.Clone(ctx)
	out.RequestURI = ""
	out.URL.Scheme = "https"
	out.URL.Host = authority
	if out.Host == "" {
		out.Host = hostOnly(authority)
	}
	out.Body = body
	out.Close = false
	removeHopHeaders(out.Header)

	resp, err := s.transport.RoundTrip(out)
	if err != nil {
		ex.Duration = time.Since(started)
		log.Warn("upstream request failed", zap.Error(err))
		writeBadGateway(client)
		s.handler.HandleDropped(ex, fmt.Errorf("%w: %v", ErrUpstream, err))
		return false
	}
	defer resp.Body.Close()

	ex.Status = resp.StatusCode
	ex.ContentType = resp.Header.Get("Content-Type")
	ex.ContentEncoding = resp.Header.Get("Content-Encoding")

	capture := newCapture(resp.Body, s.cfg.MaxCaptureBytes)
	resp.Body = capture
	contentLength := resp.ContentLength
	removeHopHeaders(resp.Header)
	resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
	closeAfter := req.Close || s.shuttingDown()
	if closeAfter {
		resp.Close = true
	}

	werr := resp.Write(client)
	ex.Duration = time.Since(started)
	ex.ResponseBody = capture.Bytes()

	complete := capture.eof ||
		!bodyAllowed(req.Method, resp.StatusCode) ||
		(contentLength >= 0 && capture.n == contentLength && capture.err == nil)

	switch {
	case !complete:
		reason := capture.err
		if reason == nil {
			reason = werr
		}
		s.handler.HandleDropped(ex, fmt.Errorf("%w: %v", ErrIncomplete, reason))
	case capture.overflow:
		s.handler.HandleDropped(ex, fmt.Errorf("%w: %d bytes", ErrCaptureLimit, capture.n))
	default:
		if err := streamEnded(ex); err != nil {
			s.handler.HandleDropped(ex, fmt.Errorf("%w: %v", ErrIncomplete, err))
			break
		}
		s.handler.HandleExchange(ex)
	}

	if werr != nil {
		log.Debug("writing response to client", zap.Error(werr))
		return false
	}
	return !resp.Close
}

// streamEnded checks that a successful event stream reached its terminal
// event. Bodies in an encoding the extractor cannot read pass, so the
// pipeline classifies them.
func streamEnded(ex *model.Exchange) error {
	if !ex.Streamed() || !ex.Succeeded() {
		return nil
	}
	done, err := extract.TerminatedEncoded(ex.ResponseBody, ex.ContentEncoding)
	switch {
	case errors.Is(err, extract.ErrUnsupportedEncoding):
		return nil
	case err != nil:
		return fmt.Errorf("decoding stream: %w", err)
	case !done:
		return errors.New("stream ended without a terminal event")
	}
	return nil
}

// replay hands an unparsable request to the upstream verbatim and relays
// the rest of the connection without inspection.
func (s *Server) replay(c *trackedConn, client *tls.Conn, head []byte, authority string, log *zap.Logger) {
	raw, err := s.cfg.DialContext(s.baseCtx, "tcp", authority)
	if err != nil {
		log.Debug("replay dial failed", zap.Error(err))
		return
	}
	cfg := s.cfg.UpstreamTLS.Clone()
	cfg.ServerName = hostOnly(authority)
	upstream := tls.Client(raw, cfg)
	defer upstream.Close()

	if err := upstream.HandshakeContext(s.baseCtx); err != nil {
		log.Debug("replay handshake failed", zap.Error(err))
		return
	}

	c.setState(stateTunnel)
	relay(client, io.MultiReader(bytes.NewReader(head), client), upstream, log)
}

// servePlain forwards absolute-form HTTP requests without capturing them.
func (s *Server) servePlain(c *trackedConn, br *bufio.Reader, req *http.Request, log *zap.Logger) {
	for {
		if !c.activate() {
			return
		}
		if !req.URL.IsAbs() {
			_, _ = io.WriteString(c, "HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
			return
		}

		out := req.Clone(s.baseCtx)
		out.RequestURI = ""
		out.Close = false
		removeHopHeaders(out.Header)

		resp, err := s.transport.RoundTrip(out)
		if err != nil {
			log.Debug("plain request failed", zap.String("url", req.URL.Redacted()), zap.Error(err))
			writeBadGateway(c)
			return
		}
		removeHopHeaders(resp.Header)
		resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
		if req.Close || s.shuttingDown() {
			resp.Close = true
		}
		err = resp.Write(c)
		_ = resp.Body.Close()
		if err != nil || resp.Close {
			return
		}

		c.setState(stateIdle)
		if s.shuttingDown() {
			return
		}
		if req, err = http.ReadRequest(br); err != nil {
			return
		}
	}
}

func writeBadGateway(w io.Writer) {
	_, _ = io.WriteString(w, "HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nContent-Length: 11\r\nConnection: close\r\n\r\nBad Gateway")
}

// bodyAllowed reports whether a response to method with status carries a body.
func bodyAllowed(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	switch {
	case status >= 100 && status < 200, status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
