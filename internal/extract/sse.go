package extract

import (
	"bufio"
	"bytes"

	"github.com/tidwall/gjson"
)

// Event is one dispatched server-sent event.
type Event struct {
	Name string
	Data []byte
}

// doneSentinel terminates OpenAI-style streams.
var doneSentinel = []byte("[DONE]")

// ParseEvents splits an event-stream body into events. Multiple data lines in
// one event are joined with newlines; comment lines are dropped. A trailing
// event without a blank line is still returned.
func ParseEvents(body []byte) []Event {
	var (
		events  []Event
		name    string
		data    bytes.Buffer
		hasData bool
	)

	dispatch := func() {
		if hasData {
			events = append(events, Event{Name: name, Data: append([]byte(nil), data.Bytes()...)})
		}
		name = ""
		data.Reset()
		hasData = false
	}

	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), len(body)+1)
	for sc.Scan() {
		line := bytes.TrimSuffix(sc.Bytes(), []byte("\r"))
		if len(line) == 0 {
			dispatch()
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, found := bytes.Cut(line, []byte(":"))
		if found {
			value = bytes.TrimPrefix(value, []byte(" "))
		}
		switch string(field) {
		case "event":
			name = string(value)
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.Write(value)
			hasData = true
		}
	}
	dispatch()

	return events
}

// Terminated reports whether an event-stream body ended with a recognized
// terminal event: "data: [DONE]" for OpenAI chat streams, message_stop for
// Anthropic, and response.completed for the Responses API.
func Terminated(body []byte) bool {
	events := ParseEvents(body)
	for i := len(events) - 1; i >= 0; i-- {
		if isTerminal(events[i]) {
			return true
		}
	}
	return false
}

// TerminatedEncoded is Terminated for a body that still carries its
// Content-Encoding. It fails when the body cannot be decoded.
func TerminatedEncoded(body []byte, encoding string) (bool, error) {
	decoded, err := Decode(body, encoding)
	if err != nil {
		return false, err
	}
	return Terminated(decoded), nil
}

func isTerminal(ev Event) bool {
	if bytes.Equal(bytes.TrimSpace(ev.Data), doneSentinel) {
		return true
	}
	kind := ev.Name
	if kind == "" && gjson.ValidBytes(ev.Data) {
		kind = gjson.GetBytes(ev.Data, "type").String()
	}
	switch kind {
	case "message_stop", "response.completed", "response.incomplete", "response.failed":
		return true
	}
	return false
}
