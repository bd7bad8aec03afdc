package output

import (
	"errors"
	"sync"

	"github.com/PentesterFlow/merchantcrawler/internal/extract"
)

// ErrUnnamedRecord is returned when a record without a name reaches the sink.
var ErrUnnamedRecord = errors.New("record has no name")

// Sink aggregates records from concurrent lanes. It only ever appends; the
// order is arrival order. An optional streaming Writer receives each record
// as it is accepted.
type Sink struct {
	mu      sync.Mutex
	records []extract.Record
	details []extract.Detail
	stream  Writer
	// streamErr keeps the first streaming failure; streaming is then disabled.
	streamErr error
}

// NewSink creates a sink. stream may be nil.
func NewSink(stream Writer) *Sink {
	return &Sink{stream: stream}
}

// AppendRecord adds a listing record.
func (s *Sink) AppendRecord(rec extract.Record) error {
	if rec.Name == "" {
		return ErrUnnamedRecord
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	s.streamLocked(func(w Writer) error { return w.WriteRecord(&rec) })
	return nil
}

// AppendDetail adds an enriched record.
func (s *Sink) AppendDetail(d extract.Detail) error {
	if d.Name == "" {
		return ErrUnnamedRecord
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.details = append(s.details, d)
	s.streamLocked(func(w Writer) error { return w.WriteDetail(&d) })
	return nil
}

func (s *Sink) streamLocked(fn func(Writer) error) {
	if s.stream == nil || s.streamErr != nil {
		return
	}
	if err := fn(s.stream); err != nil {
		s.streamErr = err
	}
}

// Records returns a copy of the accepted listing records.
func (s *Sink) Records() []extract.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]extract.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Details returns a copy of the accepted enriched records.
func (s *Sink) Details() []extract.Detail {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]extract.Detail, len(s.details))
	copy(out, s.details)
	return out
}

// Len returns the number of listing records.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// StreamErr returns the first streaming write failure, if any.
func (s *Sink) StreamErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamErr
}
