// Package audit records which backends each request contacted.
//
// The log is append-only. Observers capture a window with Slice and read the
// records appended while the window was open with Halt. This is how tests and
// operators verify whether a request stayed local or reached the renderer.
package audit

import (
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Backend string

const (
	BackendLocal    Backend = "local"
	BackendUpstream Backend = "upstream"
)

type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Record is one contact with a backend on behalf of a request.
type Record struct {
	Offset     uint64    `json:"offset"`
	Time       time.Time `json:"time"`
	RequestID  string    `json:"request_id,omitempty"`
	DocumentID string    `json:"document"`
	Revision   string    `json:"revision"`
	Backend    Backend   `json:"backend"`
	// Operation is what was done with the backend, e.g. "exists", "get", "put" or "render".
	Operation string `json:"operation"`
	URI       string `json:"uri"`
	Decision  string `json:"decision"`
	// Shared is set when the request waited for a render started by another request.
	Shared bool   `json:"shared,omitempty"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Config struct {
	// Maximum number of records kept. Zero keeps everything.
	MaxRecords int
	// Logger to write every record to, at debug level. Disabled if nil.
	Logger *zerolog.Logger
}

// Log is an append-only, concurrency-safe sequence of records with monotonic offsets.
type Log struct {
	mu      sync.RWMutex
	records []Record
	// offset of records[0]
	base uint64
	max  int
	log  zerolog.Logger
}

func New(config Config) *Log {
	l := &Log{
		max: config.MaxRecords,
		log: zerolog.Nop(),
	}
	if config.Logger != nil {
		l.log = config.Logger.With().Str("component", "audit").Logger()
	}
	return l
}

// Append adds a record, assigning its offset and (if unset) its time.
// The stored record is returned.
func (l *Log) Append(r Record) Record {
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	l.mu.Lock()
	r.Offset = l.base + uint64(len(l.records))
	l.records = append(l.records, r)
	if l.max > 0 && len(l.records) > l.max {
		drop := len(l.records) - l.max
		// copy so the dropped records can be collected
		l.records = append([]Record(nil), l.records[drop:]...)
		l.base += uint64(drop)
	}
	l.mu.Unlock()

	evt := l.log.Debug().
		Uint64("offset", r.Offset).
		Str("document", r.DocumentID).
		Str("revision", r.Revision).
		Str("backend", string(r.Backend)).
		Str("op", r.Operation).
		Str("uri", r.URI).
		Str("decision", r.Decision).
		Bool("shared", r.Shared).
		Str("status", string(r.Status))
	if r.RequestID != "" {
		evt = evt.Str("req_id", r.RequestID)
	}
	if r.Error != "" {
		evt = evt.Str("error", r.Error)
	}
	evt.Msg("audit")
	return r
}

// End returns the offset the next record will get.
func (l *Log) End() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base + uint64(len(l.records))
}

// Since returns the retained records with an offset of at least from.
func (l *Log) Since(from uint64) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rangeLocked(from, l.base+uint64(len(l.records)))
}

func (l *Log) rangeLocked(from, to uint64) []Record {
	if from < l.base {
		from = l.base
	}
	end := l.base + uint64(len(l.records))
	if to > end {
		to = end
	}
	if from >= to {
		return []Record{}
	}
	out := make([]Record, to-from)
	copy(out, l.records[from-l.base:to-l.base])
	return out
}

// Slice opens a window starting at the current end of the log.
func (l *Log) Slice() *Window {
	return &Window{log: l, start: l.End()}
}

// Window is a view of the records appended after it was opened.
type Window struct {
	log    *Log
	start  uint64
	once   sync.Once
	halted []Record
}

// Records returns the records appended to the window so far, without closing it.
// After Halt it returns the halted records.
func (w *Window) Records() []Record {
	w.log.mu.RLock()
	defer w.log.mu.RUnlock()
	if w.halted != nil {
		return append([]Record(nil), w.halted...)
	}
	return w.log.rangeLocked(w.start, w.log.base+uint64(len(w.log.records)))
}

// Halt closes the window and returns the records appended while it was open.
// Calling Halt again returns the same records.
func (w *Window) Halt() []Record {
	w.once.Do(func() {
		w.log.mu.Lock()
		w.halted = w.log.rangeLocked(w.start, w.log.base+uint64(len(w.log.records)))
		w.log.mu.Unlock()
	})
	return w.Records()
}

// For returns the records concerning the given document revision.
func For(records []Record, documentID, revision string) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.DocumentID == documentID && r.Revision == revision {
			out = append(out, r)
		}
	}
	return out
}

// WentUpstream returns whether any record reached a backend outside this process
// with a URI matching the pattern.
func WentUpstream(records []Record, pattern *regexp.Regexp) bool {
	for _, r := range records {
		if r.Backend == BackendUpstream && pattern.MatchString(r.URI) {
			return true
		}
	}
	return false
}

// LocalOnly returns whether there is at least one record and all of them are local.
func LocalOnly(records []Record) bool {
	for _, r := range records {
		if r.Backend != BackendLocal {
			return false
		}
	}
	return len(records) > 0
}

// UpstreamCalls counts the render calls actually made, i.e. not the shared ones.
func UpstreamCalls(records []Record) int {
	n := 0
	for _, r := range records {
		if r.Backend == BackendUpstream && !r.Shared {
			n++
		}
	}
	return n
}
