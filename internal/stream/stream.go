// Package stream carries pipeline progress as newline-delimited JSON: one object per event,
// written and flushed in emission order, ending with exactly one terminal event.
package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
)

// Type is the event kind.
type Type string

const (
	TypeStatus       Type = "status"
	TypeIntermediate Type = "intermediate"
	TypeFinal        Type = "final"
	TypeError        Type = "error"
)

// Per-stage status values.
const (
	StateRunning   = "running"
	StateComplete  = "complete"
	StateFromCache = "from-cache"
	StateFailed    = "failed"
)

// Event is one NDJSON line.
type Event struct {
	Type Type `json:"type"`

	// Status is a partial per-stage map; consumers merge it into what they already have.
	Status map[string]string `json:"status,omitempty"`
	// Data is the intermediate or final payload.
	Data map[string]any `json:"data,omitempty"`

	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Terminal reports whether the event ends a stream.
func (e Event) Terminal() bool {
	return e.Type == TypeFinal || e.Type == TypeError
}

// ErrClosed is returned by Emit after the terminal event was written.
var ErrClosed = errors.New("stream: closed after terminal event")

// Sink receives events in order.
type Sink interface {
	Emit(Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event) error

func (f SinkFunc) Emit(e Event) error { return f(e) }

// Encoder writes events as NDJSON and flushes after every line when w supports it.
type Encoder struct {
	mu     sync.Mutex
	enc    *json.Encoder
	flush  func()
	closed bool
}

func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{enc: json.NewEncoder(w)}
	e.enc.SetEscapeHTML(false)
	switch f := w.(type) {
	case http.Flusher:
		e.flush = f.Flush
	case interface{ Flush() error }:
		e.flush = func() { _ = f.Flush() }
	}
	return e
}

// Emit writes one event. After a final or error event every call returns ErrClosed.
func (e *Encoder) Emit(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if ev.Terminal() {
		e.closed = true
	}
	// json.Encoder terminates each value with '\n'.
	if err := e.enc.Encode(ev); err != nil {
		return err
	}
	if e.flush != nil {
		e.flush()
	}
	return nil
}

// Closed reports whether a terminal event has been written.
func (e *Encoder) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

const maxLineBytes = 1 << 20

// Decoder reads NDJSON events and skips lines that are not valid events.
type Decoder struct {
	sc      *bufio.Scanner
	skipped int
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Decoder{sc: sc}
}

// Next returns the next well-formed event, or io.EOF at the end of input.
func (d *Decoder) Next() (Event, error) {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
			d.skipped++
			continue
		}
		return ev, nil
	}
	if err := d.sc.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// Skipped counts malformed lines passed over so far.
func (d *Decoder) Skipped() int { return d.skipped }

// View is a consumer's cumulative picture of a stream.
type View struct {
	Status       map[string]string
	Intermediate map[string]any
	Final        map[string]any
	Error        string
	Code         string
	Done         bool
}

// Apply folds one event into the view. Status and intermediate payloads merge key by key.
func (v *View) Apply(ev Event) {
	if v.Status == nil {
		v.Status = make(map[string]string)
	}
	if v.Intermediate == nil {
		v.Intermediate = make(map[string]any)
	}
	for k, s := range ev.Status {
		v.Status[k] = s
	}
	switch ev.Type {
	case TypeIntermediate:
		for k, val := range ev.Data {
			v.Intermediate[k] = val
		}
	case TypeFinal:
		v.Final = ev.Data
		v.Done = true
	case TypeError:
		v.Error = ev.Error
		v.Code = ev.Code
		v.Done = true
	}
}

// Collect reads a whole stream into a view, stopping at the first terminal event.
func Collect(r io.Reader) (View, []Event, error) {
	var (
		v      View
		events []Event
	)
	dec := NewDecoder(r)
	for !v.Done {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return v, events, err
		}
		events = append(events, ev)
		v.Apply(ev)
	}
	return v, events, nil
}
