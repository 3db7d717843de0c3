package bus

import (
	"strconv"
	"sync"
	"time"
)

// Log levels carried on the log output port.
const (
	LevelError   = "ERROR"
	LevelWarning = "WARNING"
	LevelInfo    = "INFO"
	LevelDebug   = "DEBUG"
)

// NewLogEvent builds a log-port event. The message travels as the payload;
// node, level and timestamp ride in the metadata.
func NewLogEvent(node, level, message string) Event {
	return Event{
		Payload: message,
		Metadata: NewMetadata(
			"node", node,
			"level", level,
			"timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10),
		),
	}
}

// StatusEmitter publishes short status strings on a node's status port,
// deduplicated against the previously published value. Safe for concurrent
// use: a node's delivery loop and its worker goroutines may both set status.
type StatusEmitter struct {
	emit func(port string, event Event) error

	mu   sync.Mutex
	last string
}

func NewStatusEmitter(emit func(port string, event Event) error) *StatusEmitter {
	return &StatusEmitter{emit: emit}
}

// Set publishes status unless it equals the previous value.
func (s *StatusEmitter) Set(status string) error {
	if s == nil || s.emit == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == s.last {
		return nil
	}
	s.last = status
	return s.emit(PortStatus, Event{Payload: status})
}
