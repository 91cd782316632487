package proxy

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
)

// capture tees a response body into memory while it is relayed. Once more
// than limit bytes pass through, the buffer is dropped and only counted.
type capture struct {
	body  io.ReadCloser
	limit int64
	buf   bytes.Buffer

	n        int64
	overflow bool
	eof      bool
	err      error
}

func newCapture(body io.ReadCloser, limit int64) *capture {
	return &capture{body: body, limit: limit}
}

func (c *capture) Read(p []byte) (int, error) {
	n, err := c.body.Read(p)
	if n > 0 {
		c.n += int64(n)
		if !c.overflow {
			if int64(c.buf.Len()+n) > c.limit {
				c.overflow = true
				c.buf = bytes.Buffer{}
			} else {
				c.buf.Write(p[:n])
			}
		}
	}
	switch {
	case err == io.EOF:
		c.eof = true
	case err != nil && c.err == nil:
		c.err = err
	}
	return n, err
}

func (c *capture) Close() error {
	return c.body.Close()
}

// Bytes returns the captured body, or nil after an overflow.
func (c *capture) Bytes() []byte {
	if c.overflow {
		return nil
	}
	return c.buf.Bytes()
}

// captureRequestBody buffers up to limit bytes of a request body for
// extraction and returns a reader that still yields the whole body.
func captureRequestBody(body io.ReadCloser, limit int64) ([]byte, io.ReadCloser, error) {
	if body == nil || body == http.NoBody {
		return nil, http.NoBody, nil
	}
	prefix, err := io.ReadAll(io.LimitReader(body, limit))
	if err != nil {
		return nil, nil, err
	}
	return prefix, struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(prefix), body), body}, nil
}

// headRecorder keeps the raw bytes read while a request head is parsed so an
// unparsable request can be replayed upstream verbatim.
type headRecorder struct {
	r        io.Reader
	on       bool
	buf      []byte
	overflow bool
}

func (h *headRecorder) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if h.on && n > 0 {
		if len(h.buf)+n > maxRecordedHead {
			h.overflow = true
		} else {
			h.buf = append(h.buf, p[:n]...)
		}
	}
	return n, err
}

// start begins recording with whatever br has already buffered.
func (h *headRecorder) start(br *bufio.Reader) {
	buffered, _ := br.Peek(br.Buffered())
	h.buf = append(h.buf[:0], buffered...)
	h.on = true
	h.overflow = false
}

func (h *headRecorder) stop() {
	h.on = false
	h.buf = h.buf[:0]
}

// bytes returns everything read from the client since start. The bool is
// false if the head outgrew the recording limit.
func (h *headRecorder) bytes() ([]byte, bool) {
	return h.buf, !h.overflow
}
