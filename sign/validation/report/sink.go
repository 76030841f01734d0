package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Sink receives findings in discovery order.
type Sink interface {
	Emit(f Finding)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(f Finding)

// Emit implements Sink.
func (fn SinkFunc) Emit(f Finding) { fn(f) }

// MemorySink keeps every finding it receives.
type MemorySink struct {
	mu       sync.Mutex
	findings []Finding
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit implements Sink.
func (s *MemorySink) Emit(f Finding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = append(s.findings, f)
}

// Findings returns a copy of the findings in emission order.
func (s *MemorySink) Findings() []Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Finding, len(s.findings))
	copy(out, s.findings)
	return out
}

// OfKind returns the findings of the given kind.
func (s *MemorySink) OfKind(kind Kind) []Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Finding
	for _, f := range s.findings {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// Count returns the number of findings of the given kind.
func (s *MemorySink) Count(kind Kind) int {
	return len(s.OfKind(kind))
}

// HasErrors reports whether any policy violation was recorded.
func (s *MemorySink) HasErrors() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.findings {
		if f.Kind.IsError() {
			return true
		}
	}
	return false
}

// Replay emits every stored finding to dst.
func (s *MemorySink) Replay(dst Sink) {
	for _, f := range s.Findings() {
		dst.Emit(f)
	}
}

// TextSink writes one line per finding.
type TextSink struct {
	w   io.Writer
	err error
}

// NewTextSink creates a TextSink writing to w.
func NewTextSink(w io.Writer) *TextSink {
	return &TextSink{w: w}
}

// Emit implements Sink.
func (s *TextSink) Emit(f Finding) {
	if s.err != nil {
		return
	}
	_, s.err = fmt.Fprintf(s.w, "[%s] %s\n", f.Location(), f.Message())
}

// Err returns the first write error.
func (s *TextSink) Err() error {
	return s.err
}

// JSONSink writes newline-delimited JSON findings.
type JSONSink struct {
	enc *json.Encoder
	err error
}

// NewJSONSink creates a JSONSink writing to w.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w)}
}

// Emit implements Sink.
func (s *JSONSink) Emit(f Finding) {
	if s.err != nil {
		return
	}
	s.err = s.enc.Encode(f)
}

// Err returns the first encoding or write error.
func (s *JSONSink) Err() error {
	return s.err
}

// LogSink writes findings as log entries; violations are logged at warn
// level, everything else at info.
type LogSink struct {
	entry *logrus.Entry
}

// NewLogSink creates a LogSink on top of entry.
func NewLogSink(entry *logrus.Entry) *LogSink {
	return &LogSink{entry: entry}
}

// Emit implements Sink.
func (s *LogSink) Emit(f Finding) {
	fields := logrus.Fields{
		"kind":   f.Kind.String(),
		"signer": f.SignerIndex,
	}
	if f.Scope == ScopeTimestamp {
		fields["token"] = f.TokenIndex
	}
	entry := s.entry.WithFields(fields)
	if f.Kind.IsError() {
		entry.Warn(f.Message())
		return
	}
	entry.Info(f.Message())
}

type multiSink []Sink

func (m multiSink) Emit(f Finding) {
	for _, s := range m {
		s.Emit(f)
	}
}

// MultiSink fans findings out to every sink in order.
func MultiSink(sinks ...Sink) Sink {
	return multiSink(sinks)
}
