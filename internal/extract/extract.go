// Package extract turns captured API responses into token usage records.
//
// Usage is located by structural lookups against a small set of known
// response shapes:
//
//	OpenAI chat/completions/embeddings  usage.{prompt,completion,total}_tokens
//	OpenAI Responses API                response.usage.{input,output,total}_tokens
//	Anthropic messages                  usage / message.usage {input,output}_tokens
//
// Streams report cumulative snapshots, so the latest value of each field wins.
package extract

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/theirongolddev/tokmon/internal/model"
)

// ErrUnsupportedEncoding is returned by Decode for a Content-Encoding it
// cannot undo.
var ErrUnsupportedEncoding = errors.New("extract: unsupported content encoding")

// Status classifies the outcome of an extraction.
type Status int

const (
	// Recorded means a usage record was produced.
	Recorded Status = iota
	// NoUsage means the response parsed but carried no usage.
	NoUsage
	// Malformed means the body could not be decoded or parsed.
	Malformed
	// Skipped means the response was not a candidate (e.g. an error status).
	Skipped
)

func (s Status) String() string {
	switch s {
	case Recorded:
		return "recorded"
	case NoUsage:
		return "no_usage"
	case Malformed:
		return "malformed"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// usageEndpoints are request paths whose successful responses carry usage.
var usageEndpoints = []string{
	"/chat/completions",
	"/completions",
	"/embeddings",
	"/responses",
	"/messages",
}

var (
	usagePaths = []string{"usage", "response.usage", "message.usage"}
	modelPaths = []string{"model", "response.model", "message.model"}
)

// Extractor parses exchanges into usage records. It holds no state between
// calls and is safe for concurrent use.
type Extractor struct {
	log *zap.Logger
}

// New returns an Extractor that logs parse failures to log.
func New(log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{log: log}
}

// Extract returns the usage carried by ex. The record is only meaningful when
// the status is Recorded.
func (x *Extractor) Extract(ex *model.Exchange) (model.UsageRecord, Status) {
	if !ex.Succeeded() {
		return model.UsageRecord{}, Skipped
	}

	log := x.log.With(zap.String("exchange_id", ex.ID), zap.String("path", ex.Path))
	expected := ExpectsUsage(ex.Path)

	body, err := Decode(ex.ResponseBody, ex.ContentEncoding)
	if err != nil {
		x.logMalformed(log, expected, "decoding response body", err)
		return model.UsageRecord{}, Malformed
	}

	streamed := isStream(ex, body)
	var snap snapshot
	if streamed {
		var bad int
		snap, bad = fromStream(body)
		if bad > 0 && !snap.found() {
			x.logMalformed(log, expected, "parsing stream", fmt.Errorf("%d unparsable events", bad))
			return model.UsageRecord{}, Malformed
		}
	} else {
		if !gjson.ValidBytes(body) {
			x.logMalformed(log, expected, "parsing response body", fmt.Errorf("not valid JSON"))
			return model.UsageRecord{}, Malformed
		}
		snap = readSnapshot(gjson.ParseBytes(body))
	}

	if !snap.found() {
		log.Debug("response carried no usage", zap.Bool("streamed", streamed))
		return model.UsageRecord{}, NoUsage
	}

	name := snap.model
	if name == "" {
		name = requestModel(ex.RequestBody)
	}
	return model.NewUsageRecord(name, snap.prompt, snap.completion, snap.total), Recorded
}

func (x *Extractor) logMalformed(log *zap.Logger, expected bool, what string, err error) {
	if expected {
		log.Warn("usage extraction failed", zap.String("stage", what), zap.Error(err))
		return
	}
	log.Debug("usage extraction failed", zap.String("stage", what), zap.Error(err))
}

// ExpectsUsage reports whether a successful response for path should carry usage.
func ExpectsUsage(path string) bool {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimSuffix(path, "/")
	for _, ep := range usageEndpoints {
		if strings.HasSuffix(path, ep) {
			return true
		}
	}
	return false
}

// isStream treats the body as an event stream when the content type says so,
// or when the request asked to stream and the body looks like one.
func isStream(ex *model.Exchange, body []byte) bool {
	if ex.Streamed() {
		return true
	}
	if len(ex.RequestBody) == 0 || !gjson.ValidBytes(ex.RequestBody) {
		return false
	}
	if !gjson.GetBytes(ex.RequestBody, "stream").Bool() {
		return false
	}
	trimmed := bytes.TrimLeft(body, " \r\n")
	return bytes.HasPrefix(trimmed, []byte("data:")) || bytes.HasPrefix(trimmed, []byte("event:"))
}

func requestModel(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	return gjson.GetBytes(body, "model").String()
}

// snapshot is one observation of usage; fields the payload omitted stay unknown.
type snapshot struct {
	model      string
	prompt     model.Count
	completion model.Count
	total      model.Count
}

func (s snapshot) found() bool {
	return s.prompt.Known || s.completion.Known || s.total.Known
}

// merge applies a later observation: each reported field replaces the earlier one.
func (s *snapshot) merge(later snapshot) {
	if later.model != "" {
		s.model = later.model
	}
	if later.prompt.Known {
		s.prompt = later.prompt
	}
	if later.completion.Known {
		s.completion = later.completion
	}
	if later.total.Known {
		s.total = later.total
	}
}

func readSnapshot(root gjson.Result) snapshot {
	var snap snapshot
	for _, p := range modelPaths {
		if m := root.Get(p); m.Type == gjson.String && m.Str != "" {
			snap.model = m.Str
			break
		}
	}

	for _, p := range usagePaths {
		usage := root.Get(p)
		if !usage.IsObject() {
			continue
		}
		snap.prompt = promptTokens(usage)
		snap.completion = firstCount(usage, "completion_tokens", "output_tokens")
		snap.total = firstCount(usage, "total_tokens")
		if snap.found() {
			break
		}
	}
	return snap
}

// promptTokens reads the prompt count. Anthropic reports cache writes and
// reads separately from input_tokens; they are billed as prompt tokens here.
func promptTokens(usage gjson.Result) model.Count {
	if c := count(usage.Get("prompt_tokens")); c.Known {
		return c
	}
	c := count(usage.Get("input_tokens"))
	if !c.Known {
		return c
	}
	for _, extra := range []string{"cache_creation_input_tokens", "cache_read_input_tokens"} {
		if e := count(usage.Get(extra)); e.Known {
			c.Value += e.Value
		}
	}
	return c
}

func firstCount(usage gjson.Result, fields ...string) model.Count {
	for _, f := range fields {
		if c := count(usage.Get(f)); c.Known {
			return c
		}
	}
	return model.Count{}
}

func count(r gjson.Result) model.Count {
	if r.Type != gjson.Number || r.Num < 0 {
		return model.Count{}
	}
	return model.Known(r.Uint())
}

// fromStream folds every event's usage into one snapshot and counts events
// whose data was not JSON.
func fromStream(body []byte) (snapshot, int) {
	var (
		snap snapshot
		bad  int
	)
	for _, ev := range ParseEvents(body) {
		data := bytes.TrimSpace(ev.Data)
		if len(data) == 0 || bytes.Equal(data, doneSentinel) {
			continue
		}
		if !gjson.ValidBytes(data) {
			bad++
			continue
		}
		snap.merge(readSnapshot(gjson.ParseBytes(data)))
	}
	return snap, bad
}

// Decode undoes a gzip or deflate Content-Encoding. Bodies without an
// encoding are returned as is.
func Decode(body []byte, encoding string) ([]byte, error) {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			r = fr
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
	return io.ReadAll(r)
}
