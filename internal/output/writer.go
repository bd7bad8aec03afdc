// Package output provides record aggregation and serialization for the crawler.
package output

import (
	"fmt"
	"io"

	"github.com/PentesterFlow/merchantcrawler/internal/extract"
)

// Writer defines the interface for output writers.
type Writer interface {
	// WriteResult writes the complete run result.
	WriteResult(result interface{}) error

	// WriteRecord writes a single listing record (streaming only).
	WriteRecord(rec *extract.Record) error

	// WriteDetail writes a single enriched record (streaming only).
	WriteDetail(d *extract.Detail) error

	// WriteEvent writes an arbitrary typed event (streaming only).
	WriteEvent(eventType string, data interface{}) error

	Flush() error
	Close() error
}

// Format selects the serialization.
type Format string

const (
	// FormatJSON writes one JSON document at the end of the run.
	FormatJSON Format = "json"
	// FormatJSONL writes one event per line as the run progresses.
	FormatJSONL Format = "jsonl"
)

// Config holds output configuration.
type Config struct {
	Format   Format `yaml:"format" json:"format"`
	Pretty   bool   `yaml:"pretty" json:"pretty"`
	FilePath string `yaml:"file" json:"file"`
}

// NewWriter creates a writer for config.Format.
func NewWriter(w io.Writer, config Config) (Writer, error) {
	switch config.Format {
	case FormatJSON, "":
		return NewJSONWriter(w, config.Pretty, false), nil
	case FormatJSONL:
		return NewJSONWriter(w, false, true), nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", config.Format)
	}
}
