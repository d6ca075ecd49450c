package activity

import (
	"encoding/json"
	"log"
)

// Publisher abstracts the transport the logger writes to. The production
// implementation is the NATS client; tests substitute a capture.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Logger is the best-effort audit sink. Records are queued on a bounded
// channel and published from a single background goroutine; when the queue
// is full the record is dropped with a log line. Publish errors are
// swallowed.
type Logger struct {
	publisher Publisher
	queue     chan Record
	done      chan struct{}
}

// NewLogger creates a Logger with the given queue depth and starts its
// background publisher.
func NewLogger(publisher Publisher, queueSize int) *Logger {
	if queueSize <= 0 {
		queueSize = 1024
	}
	l := &Logger{
		publisher: publisher,
		queue:     make(chan Record, queueSize),
		done:      make(chan struct{}),
	}
	go l.run()
	return l
}

// Record enqueues an audit record without blocking. Overflow drops the
// record; the pipeline never waits on the audit trail.
func (l *Logger) Record(rec Record) {
	select {
	case l.queue <- rec:
	default:
		log.Printf("[audit] queue full, dropping record action=%s user=%s", rec.Action, rec.UserID)
	}
}

// Close stops the background publisher after draining queued records.
func (l *Logger) Close() {
	close(l.queue)
	<-l.done
}

func (l *Logger) run() {
	defer close(l.done)
	for rec := range l.queue {
		data, err := json.Marshal(rec)
		if err != nil {
			log.Printf("[audit] marshal record: %v", err)
			continue
		}
		if err := l.publisher.Publish(SubjectRecord, data); err != nil {
			log.Printf("[audit] publish record action=%s: %v", rec.Action, err)
		}
	}
}
