// sse.go decodes Server-Sent-Events framing from a raw body stream.
//
// The decoder is split-point independent: feeding a well-formed stream in
// arbitrary slices yields the same events as feeding it whole. Lines are
// split on \n with a trailing \r stripped; "data:" lines accumulate, numeric
// "id:" lines set the pending event id (non-numeric ids are treated as
// absent), comment lines are ignored, and a blank line flushes one event.
// Whatever is still accumulated at end-of-stream is flushed once more.

package agentstream

import (
	"bytes"
	"strconv"
	"strings"
)

// Event is one decoded application event.
type Event struct {
	ID    int64  `json:"id"`
	HasID bool   `json:"has_id"`
	Data  string `json:"data"`
}

// Accumulator buffers the current event's data lines and pending id.
// Scoped to one response body and discarded at its end.
type Accumulator struct {
	dataLines []string
	id        int64
	hasID     bool
}

// FeedLine processes one framing line (already stripped of line endings).
// Returns a flushed event when the line was an event-terminating blank.
func (a *Accumulator) FeedLine(line string) (Event, bool) {
	if line == "" {
		return a.Flush()
	}
	if strings.HasPrefix(line, ":") {
		return Event{}, false
	}

	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "data":
		a.dataLines = append(a.dataLines, value)
	case "id":
		if n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			a.id = n
			a.hasID = true
		}
		// Malformed ids are ignored without flushing.
	}
	// Other fields ("event", "retry") carry nothing we deliver.
	return Event{}, false
}

// Flush emits the accumulated event, if any, and resets state.
func (a *Accumulator) Flush() (Event, bool) {
	if len(a.dataLines) == 0 && !a.hasID {
		return Event{}, false
	}
	ev := Event{
		ID:    a.id,
		HasID: a.hasID,
		Data:  strings.Join(a.dataLines, "\n"),
	}
	a.dataLines = nil
	a.id = 0
	a.hasID = false
	return ev, true
}

// Decoder splits a raw byte stream into framing lines and feeds them to an
// Accumulator, carrying partial lines across feeds.
type Decoder struct {
	acc     Accumulator
	partial []byte
}

// Feed consumes raw body bytes and returns the events completed by them.
func (d *Decoder) Feed(p []byte) []Event {
	var events []Event

	d.partial = append(d.partial, p...)
	for {
		nl := bytes.IndexByte(d.partial, '\n')
		if nl < 0 {
			return events
		}
		line := strings.TrimSuffix(string(d.partial[:nl]), "\r")
		d.partial = d.partial[nl+1:]

		if ev, ok := d.acc.FeedLine(line); ok {
			events = append(events, ev)
		}
	}
}

// Finish flushes any trailing partial line and unterminated event at
// end-of-stream.
func (d *Decoder) Finish() []Event {
	var events []Event

	if len(d.partial) > 0 {
		line := strings.TrimSuffix(string(d.partial), "\r")
		d.partial = nil
		if ev, ok := d.acc.FeedLine(line); ok {
			events = append(events, ev)
		}
	}
	if ev, ok := d.acc.Flush(); ok {
		events = append(events, ev)
	}
	return events
}
