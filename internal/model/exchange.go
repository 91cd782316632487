package model

import (
	"mime"
	"strings"
	"time"
)

// Invocation is the monitored program and its arguments.
type Invocation struct {
	Program string
	Args    []string
}

// Argv returns the full argument vector including the program.
func (inv Invocation) Argv() []string {
	return append([]string{inv.Program}, inv.Args...)
}

func (inv Invocation) String() string {
	return strings.Join(inv.Argv(), " ")
}

// Exchange is one request/response pair captured for a target host.
type Exchange struct {
	ID     string
	Host   string
	Method string
	Path   string

	RequestBody []byte

	Status          int
	ContentType     string
	ContentEncoding string
	ResponseBody    []byte

	Started  time.Time
	Duration time.Duration
}

// Streamed reports whether the response was delivered as server-sent events.
func (e *Exchange) Streamed() bool {
	if e.ContentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(e.ContentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(e.ContentType), "text/event-stream")
	}
	return mt == "text/event-stream"
}

// Succeeded reports whether the upstream answered with a 2xx status.
func (e *Exchange) Succeeded() bool {
	return e.Status >= 200 && e.Status < 300
}
