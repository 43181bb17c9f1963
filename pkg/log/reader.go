package log

import (
	"errors"
	"io"
	"iter"
	"os"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Filter selects trace events. Zero fields match everything; all set
// fields must match.
type Filter struct {
	SessionID string
	Username  string
	DeviceID  string

	Direction *Direction
	Layer     *Layer
	Category  *Category

	// TimeStart is inclusive, TimeEnd exclusive.
	TimeStart *time.Time
	TimeEnd   *time.Time

	// Entity keeps state changes of one entity.
	Entity *StateEntity

	// Operation and Status keep shadow events, compared case-insensitively
	// ("update", "delta").
	Operation string
	Status    string

	// Applied keeps shadow events the reconciler did or did not apply.
	Applied *bool

	// Automatic keeps challenge rounds the session answered itself (true)
	// or that waited for the user (false).
	Automatic *bool

	// ErrorKind keeps errors of one kind, e.g. "MalformedPayload".
	ErrorKind string
}

// Match reports whether event satisfies every set criterion. Criteria on a
// payload (shadow, challenge, state change, error) never match events that
// carry a different payload.
func (f Filter) Match(event Event) bool {
	return f.matchHeader(event) &&
		f.matchStateChange(event.StateChange) &&
		f.matchShadow(event.Shadow) &&
		f.matchChallenge(event.Challenge) &&
		f.matchError(event.Error)
}

func (f Filter) matchHeader(e Event) bool {
	switch {
	case f.SessionID != "" && e.SessionID != f.SessionID,
		f.Username != "" && e.Username != f.Username,
		f.DeviceID != "" && e.DeviceID != f.DeviceID,
		f.Direction != nil && e.Direction != *f.Direction,
		f.Layer != nil && e.Layer != *f.Layer,
		f.Category != nil && e.Category != *f.Category,
		f.TimeStart != nil && e.Timestamp.Before(*f.TimeStart),
		f.TimeEnd != nil && !e.Timestamp.Before(*f.TimeEnd):
		return false
	}
	return true
}

func (f Filter) matchStateChange(sc *StateChangeEvent) bool {
	if f.Entity == nil {
		return true
	}
	return sc != nil && sc.Entity == *f.Entity
}

func (f Filter) matchShadow(sh *ShadowEvent) bool {
	if f.Operation == "" && f.Status == "" && f.Applied == nil {
		return true
	}
	switch {
	case sh == nil,
		f.Operation != "" && !strings.EqualFold(sh.Operation, f.Operation),
		f.Status != "" && !strings.EqualFold(sh.Status, f.Status),
		f.Applied != nil && sh.Applied != *f.Applied:
		return false
	}
	return true
}

func (f Filter) matchChallenge(ch *ChallengeEvent) bool {
	if f.Automatic == nil {
		return true
	}
	return ch != nil && ch.Automatic == *f.Automatic
}

func (f Filter) matchError(e *ErrorEventData) bool {
	if f.ErrorKind == "" {
		return true
	}
	return e != nil && e.Kind == f.ErrorKind
}

// Reader streams events from a CBOR trace file.
type Reader struct {
	file    *os.File
	decoder *cbor.Decoder
	filter  Filter
	skipped int
}

// NewReader opens the trace file at path for reading every event.
func NewReader(path string) (*Reader, error) {
	return NewFilteredReader(path, Filter{})
}

// NewFilteredReader opens the trace file at path, yielding only events
// that match filter.
func NewFilteredReader(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &Reader{file: f, decoder: NewDecoder(f), filter: filter}, nil
}

// Next returns the next matching event, or io.EOF at the end of the file.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		if err := r.decoder.Decode(&event); err != nil {
			return Event{}, err
		}
		if r.filter.Match(event) {
			return event, nil
		}
		r.skipped++
	}
}

// Events iterates over the remaining matching events. A decode error is
// yielded once and ends the iteration; the end of the file ends it
// silently.
func (r *Reader) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			event, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(event, err) || err != nil {
				return
			}
		}
	}
}

// ReadAll drains the reader and returns every matching event.
func (r *Reader) ReadAll() ([]Event, error) {
	var events []Event
	for event, err := range r.Events() {
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
	return events, nil
}

// Skipped returns the number of events the filter rejected so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	return r.file.Close()
}
