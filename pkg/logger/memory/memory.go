// Package memory provides a logging backend that keeps entries in memory,
// for tests that assert on emitted logs.
package memory

import "sync"

// Entry is one recorded log call.
type Entry struct {
	Level   string
	Message string
	Keyvals []any
}

// Recorder implements LoggerInstance by appending every call to Entries.
// Fatal is recorded like any other level and does not exit.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(level, message string, keyvals []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: message, Keyvals: keyvals})
}

// Entries returns a copy of the recorded entries.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Messages returns the recorded messages at level, or at every level when
// level is empty.
func (r *Recorder) Messages(level string) []string {
	var out []string
	for _, e := range r.Entries() {
		if level == "" || e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

func (r *Recorder) Log(message string, keyvals ...any)   { r.record("log", message, keyvals) }
func (r *Recorder) Debug(message string, keyvals ...any) { r.record("debug", message, keyvals) }
func (r *Recorder) Info(message string, keyvals ...any)  { r.record("info", message, keyvals) }
func (r *Recorder) Warn(message string, keyvals ...any)  { r.record("warn", message, keyvals) }
func (r *Recorder) Error(message string, keyvals ...any) { r.record("error", message, keyvals) }
func (r *Recorder) Fatal(message string, keyvals ...any) { r.record("fatal", message, keyvals) }
