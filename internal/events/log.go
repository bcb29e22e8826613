package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// SequencedEvent is the on-disk shape of one durable event log entry, per
// the Observability requirement: every transition is appended with a
// monotonic sequence number and wall-clock timestamp.
type SequencedEvent struct {
	Seq       int             `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Log is an append-only JSONL sink for the durable event log described in
// the persistence layout. It is independent of EventBus: a caller
// typically drains an EventBus.SubscribeAll channel into Append, but Log
// itself has no notion of topics or subscribers.
type Log struct {
	mu   sync.Mutex
	file *os.File
	seq  int
}

// OpenLog opens (creating if necessary) the event log file at path for
// appending. Existing content is preserved; the sequence counter resumes
// from the number of entries (lines) already in the file, so sequence
// numbers stay monotonic across runs that share one log file.
func OpenLog(path string) (*Log, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("events: failed to read log %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("events: failed to open log %s: %w", path, err)
	}
	return &Log{file: f, seq: bytes.Count(existing, []byte{'\n'})}, nil
}

// Append assigns the next sequence number to event and writes it as one
// JSON line. Safe for concurrent use.
func (l *Log) Append(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: failed to marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry := SequencedEvent{
		Seq:       l.seq,
		Timestamp: time.Now(),
		Type:      event.EventType(),
		TaskID:    event.TaskID(),
		Data:      data,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("events: failed to marshal log entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("events: failed to append to log: %w", err)
	}
	return l.file.Sync()
}

// Drain reads every event published to bus (across all topics) and appends
// it to the log until ch is closed (typically because the bus was closed
// or the caller unsubscribed). Run it in its own goroutine; it returns
// when the channel closes.
func (l *Log) Drain(ch <-chan Event) {
	for event := range ch {
		_ = l.Append(event) // best-effort: a log write failure must not stall the run
	}
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
