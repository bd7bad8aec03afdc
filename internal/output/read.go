package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/PentesterFlow/merchantcrawler/internal/extract"
)

// Stream holds the records recovered from a JSONL file.
type Stream struct {
	Records []extract.Record
	Details []extract.Detail
	Result  json.RawMessage
}

// ReadStream decodes a JSONL stream written by a streaming JSONWriter.
// Unknown event types are skipped.
func ReadStream(r io.Reader) (*Stream, error) {
	out := &Stream{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}

		var ev struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &ev); err != nil {
			return out, fmt.Errorf("line %d: %w", line, err)
		}

		switch ev.Type {
		case EventRecord:
			var rec extract.Record
			if err := json.Unmarshal(ev.Data, &rec); err != nil {
				return out, fmt.Errorf("line %d: %w", line, err)
			}
			out.Records = append(out.Records, rec)
		case EventDetail:
			var d extract.Detail
			if err := json.Unmarshal(ev.Data, &d); err != nil {
				return out, fmt.Errorf("line %d: %w", line, err)
			}
			out.Details = append(out.Details, d)
		case EventResult:
			out.Result = append(json.RawMessage(nil), ev.Data...)
		}
	}
	return out, sc.Err()
}

// ReadRecords decodes a JSON array of listing records.
func ReadRecords(r io.Reader) ([]extract.Record, error) {
	var recs []extract.Record
	if err := json.NewDecoder(r).Decode(&recs); err != nil {
		return nil, err
	}
	return recs, nil
}
