// Package audit records every permission decision and mutation the core
// makes to an append-only JSONL log, with optional SQL mirrors for
// compliance search and an optional object-storage archival sink.
//
// Grounded in the structured JSON event shape of
// _examples/Mindburn-Labs-helm/core/pkg/audit/logger.go (Event/EventType,
// uuid.New() IDs) and the evidence-pack export idiom of
// pkg/audit/export.go, generalized from an in-memory ledger query to a
// tailing SQL index over the JSONL file.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Severity mirrors the log-level vocabulary spec.md §2/C3 requires.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one append-only audit record.
type Event struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Severity  Severity       `json:"severity"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ArchiveSink mirrors batches of events to long-term storage (S3/GCS). It is
// never the authoritative log: an archive failure is returned from
// Logger.Record only after the event has already been written to the file.
type ArchiveSink interface {
	Archive(ctx context.Context, batch []Event) error
}

// Logger appends audit events to a JSONL file, ASCII-escaping every record
// so no raw non-ASCII or control byte can inject a forged line, and
// optionally mirrors them to a SQL index and an archive sink.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	seq     uint64
	clock   func() time.Time
	sink    ArchiveSink
	export  *SQLExportStore
	pending []Event
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Logger) { l.clock = clock }
}

// WithArchiveSink mirrors every appended batch to sink.
func WithArchiveSink(sink ArchiveSink) Option {
	return func(l *Logger) { l.sink = sink }
}

// WithSQLExport tails every appended event into a SQLExportStore.
func WithSQLExport(store *SQLExportStore) Option {
	return func(l *Logger) { l.export = store }
}

// Open appends to (creating if absent) the JSONL log at path.
func Open(path string, opts ...Option) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	l := &Logger{file: f, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Record appends one audit event.
func (l *Logger) Record(ctx context.Context, severity Severity, action, resource string, metadata map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	event := Event{
		ID:        uuid.New().String(),
		Seq:       l.seq,
		Timestamp: l.clock(),
		Severity:  severity,
		Action:    action,
		Resource:  resource,
		Metadata:  metadata,
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	escaped := asciiEscape(raw)
	escaped = append(escaped, '\n')
	if _, err := l.file.Write(escaped); err != nil {
		return fmt.Errorf("audit: write event: %w", err)
	}

	if l.export != nil {
		if err := l.export.Index(ctx, event); err != nil {
			return fmt.Errorf("audit: sql export: %w", err)
		}
	}
	if l.sink != nil {
		if err := l.sink.Archive(ctx, []Event{event}); err != nil {
			return fmt.Errorf("audit: archive: %w", err)
		}
	}
	return nil
}

// asciiEscape rewrites raw JSON bytes so every byte outside printable ASCII
// (0x20-0x7E, excluding the JSON-special quote/backslash which json.Marshal
// already escapes) is replaced with its \uXXXX escape. This is stricter than
// json.Encoder's SetEscapeHTML(false): that call only stops Go from escaping
// HTML-sensitive runes, it does not stop raw multi-byte UTF-8 or control
// bytes from reaching the file, which is what a log-injection payload needs.
func asciiEscape(raw []byte) []byte {
	out := make([]byte, 0, len(raw)+16)
	for i := 0; i < len(raw); {
		b := raw[i]
		if b < 0x80 {
			if b >= 0x20 && b < 0x7F {
				out = append(out, b)
			} else {
				out = append(out, []byte(fmt.Sprintf(`\u%04x`, b))...)
			}
			i++
			continue
		}
		r, size := utf8.DecodeRune(raw[i:])
		if r == utf8.RuneError && size == 1 {
			out = append(out, []byte(fmt.Sprintf(`\u%04x`, raw[i]))...)
			i++
			continue
		}
		if r > 0xFFFF {
			r1, r2 := utf16Surrogates(r)
			out = append(out, []byte(fmt.Sprintf(`\u%04x\u%04x`, r1, r2))...)
		} else {
			out = append(out, []byte(fmt.Sprintf(`\u%04x`, r))...)
		}
		i += size
	}
	return out
}

func utf16Surrogates(r rune) (rune, rune) {
	r -= 0x10000
	return 0xD800 + (r >> 10), 0xDC00 + (r & 0x3FF)
}

// TailReader decodes each JSONL event from r in turn and passes it to
// handle, stopping at the first decode or handler error.
func TailReader(r io.Reader, handle func(Event) error) error {
	dec := json.NewDecoder(r)
	for dec.More() {
		var e Event
		if err := dec.Decode(&e); err != nil {
			return fmt.Errorf("audit: decode tailed event: %w", err)
		}
		if err := handle(e); err != nil {
			return err
		}
	}
	return nil
}
