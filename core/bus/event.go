package bus

// Event is a single message delivered on a port: a UTF-8 text payload plus
// an ordered, string-keyed metadata map. Metadata order is preserved so that
// downstream consumers can rely on deterministic iteration.
type Event struct {
	Payload  string
	Metadata Metadata
}

func NewEvent(payload string, pairs ...string) Event {
	return Event{Payload: payload, Metadata: NewMetadata(pairs...)}
}

// Metadata is an insertion-ordered string map. The zero value is usable.
type Metadata struct {
	keys   []string
	values map[string]string
}

// NewMetadata builds metadata from alternating key/value pairs. A trailing
// key without a value is ignored.
func NewMetadata(pairs ...string) Metadata {
	m := Metadata{}
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Set(pairs[i], pairs[i+1])
	}
	return m
}

func (m *Metadata) Set(key, value string) {
	if m.values == nil {
		m.values = map[string]string{}
	}
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

func (m Metadata) Get(key string) (string, bool) {
	value, ok := m.values[key]
	return value, ok
}

// Value returns the value for key, or the empty string when absent.
func (m Metadata) Value(key string) string {
	return m.values[key]
}

func (m Metadata) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

func (m Metadata) Len() int {
	return len(m.keys)
}

// Keys returns the keys in insertion order.
func (m Metadata) Keys() []string {
	keys := make([]string, len(m.keys))
	copy(keys, m.keys)
	return keys
}

func (m Metadata) Clone() Metadata {
	clone := Metadata{}
	for _, key := range m.keys {
		clone.Set(key, m.values[key])
	}
	return clone
}

// Conventional metadata keys shared by every node on the bus.
const (
	KeySessionStatus = "session_status"
	KeyQuestionID    = "question_id"
	KeySegmentIndex  = "segment_index"
	KeySessionID     = "session_id"
	KeyRole          = "role"
	KeyIsComplete    = "is_complete"
	KeyParticipant   = "participant"
)

// Session status values carried under KeySessionStatus.
const (
	StatusStarted   = "started"
	StatusOngoing   = "ongoing"
	StatusEnded     = "ended"
	StatusComplete  = "complete"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusReset     = "reset"
	StatusTimeout   = "timeout"
)

// IsTerminalStatus reports whether status ends a streamed message.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusEnded, StatusComplete, StatusError, StatusCancelled, StatusReset:
		return true
	}
	return false
}
