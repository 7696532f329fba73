// Package audit is the structured, append-only audit trail SPEC_FULL.md's
// supplemented `audit-log` CLI surface reads from: every state-mutating
// coordinator lifecycle operation gets one record of who did what, when,
// and with what result. The chain node records nothing here.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/oib/aitbc/internal/logging"
)

var log = logging.NewModuleLogger(logging.ModuleAudit)

// Record is one audit trail entry.
type Record struct {
	Time    time.Time              `json:"time"`
	Actor   string                 `json:"actor"`   // client/miner/operator address or id
	Action  string                 `json:"action"`  // e.g. "submit_job", "submit_result", "cancel"
	Subject string                 `json:"subject"` // job id, receipt id, tx hash...
	Result  string                 `json:"result"`  // "ok" | error code
	Details map[string]interface{} `json:"details,omitempty"`
}

// Sink persists Records; a Logger may fan out to more than one.
type Sink interface {
	Write(r Record) error
}

// Logger appends Records to every configured Sink, one at a time.
// Writes are synchronous: Record returns only after every sink's Write
// has returned, so a slow sink delays the caller. Sink errors are logged,
// not returned.
type Logger struct {
	mu    sync.Mutex
	sinks []Sink
}

func NewLogger(sinks ...Sink) *Logger {
	return &Logger{sinks: sinks}
}

func (l *Logger) Record(r Record) {
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sinks {
		if err := s.Write(r); err != nil {
			log.Error("audit sink write failed", "err", err)
		}
	}
}

// FileSink appends newline-delimited JSON records to a local file (or
// stdout, when path is "-").
type FileSink struct {
	w io.Writer
	f *os.File
}

func NewFileSink(path string) (*FileSink, error) {
	if path == "-" {
		return &FileSink{w: os.Stdout}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{w: f, f: f}, nil
}

func (s *FileSink) Write(r Record) error {
	buf, err := json.Marshal(r)
	if err != nil {
		return err
	}
	buf = append(buf, '\n')
	_, err = s.w.Write(buf)
	return err
}

func (s *FileSink) Close() error {
	if s.f != nil {
		return s.f.Close()
	}
	return nil
}

// Read streams every Record from a newline-delimited JSON audit file, for
// the `audit-log` CLI's read path.
func Read(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	dec := json.NewDecoder(f)
	for dec.More() {
		var r Record
		if err := dec.Decode(&r); err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}
