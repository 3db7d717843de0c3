package conference

import (
	"fmt"
	"strconv"
)

const (
	maxRound        = 255
	maxParticipants = 16
)

// QuestionID is a packed 16-bit turn token: round in the high byte, total
// participants minus one in the next four bits, participant index in the low
// four. It correlates every chunk, command, and ack to one logical turn, and
// lets stale traffic from a prior round be discarded in O(1).
type QuestionID uint16

func NewQuestionID(round, participant, total int) (QuestionID, error) {
	if round < 0 || round > maxRound {
		return 0, fmt.Errorf("round %d out of range [0, %d]", round, maxRound)
	}
	if total < 1 || total > maxParticipants {
		return 0, fmt.Errorf("total participants %d out of range [1, %d]", total, maxParticipants)
	}
	if participant < 0 || participant >= total {
		return 0, fmt.Errorf("participant index %d out of range [0, %d)", participant, total)
	}
	return QuestionID(round<<8 | (total-1)<<4 | participant), nil
}

func (q QuestionID) Round() int       { return int(q >> 8) }
func (q QuestionID) Total() int       { return int(q>>4&0xF) + 1 }
func (q QuestionID) Participant() int { return int(q & 0xF) }

// IsLastParticipant reports whether this turn belongs to the round's final
// participant.
func (q QuestionID) IsLastParticipant() bool { return q.Participant()+1 == q.Total() }

// String renders the packed value as the decimal form carried in question_id
// metadata.
func (q QuestionID) String() string { return strconv.Itoa(int(q)) }

func ParseQuestionID(raw string) (QuestionID, error) {
	value, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("malformed question id %q: %w", raw, err)
	}
	q := QuestionID(value)
	if q.Participant() >= q.Total() {
		return 0, fmt.Errorf("question id %q names participant %d of %d", raw, q.Participant(), q.Total())
	}
	return q, nil
}
