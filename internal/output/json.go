package output

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/PentesterFlow/merchantcrawler/internal/extract"
)

// Stream event types.
const (
	EventRecord = "record"
	EventDetail = "detail"
	EventResult = "result"
)

// StreamEvent represents one line of JSONL output.
type StreamEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// JSONWriter writes output in JSON format. In stream mode every record is
// written as its own StreamEvent line.
type JSONWriter struct {
	mu     sync.Mutex
	writer io.Writer
	pretty bool
	stream bool
	closed bool
}

// NewJSONWriter creates a new JSON writer.
func NewJSONWriter(w io.Writer, pretty, stream bool) *JSONWriter {
	return &JSONWriter{writer: w, pretty: pretty, stream: stream}
}

// WriteResult writes the complete run result. In stream mode it is emitted
// as the final "result" event.
func (j *JSONWriter) WriteResult(result interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	if j.stream {
		return j.writeLine(StreamEvent{Type: EventResult, Data: result})
	}
	return j.writeLine(result)
}

// WriteRecord writes a listing record in streaming mode.
func (j *JSONWriter) WriteRecord(rec *extract.Record) error {
	return j.WriteEvent(EventRecord, rec)
}

// WriteDetail writes an enriched record in streaming mode.
func (j *JSONWriter) WriteDetail(d *extract.Detail) error {
	return j.WriteEvent(EventDetail, d)
}

// WriteEvent writes an event in streaming mode; it is a no-op otherwise.
func (j *JSONWriter) WriteEvent(eventType string, data interface{}) error {
	if !j.stream {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	return j.writeLine(StreamEvent{Type: eventType, Data: data})
}

func (j *JSONWriter) writeLine(v interface{}) error {
	var data []byte
	var err error

	if j.pretty {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return err
	}

	data = append(data, '\n')
	_, err = j.writer.Write(data)
	return err
}

// Flush flushes the writer.
func (j *JSONWriter) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if flusher, ok := j.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// Close closes the writer.
func (j *JSONWriter) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if closer, ok := j.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
