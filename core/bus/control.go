package bus

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Standard port names. Control ports addressed at a single participant use
// ControlPortFor.
const (
	PortText         = "text"
	PortControl      = "control"
	PortSessionStart = "session_start"
	PortBufferStatus = "buffer_status"
	PortToolResults  = "tool_results"
	PortStatus       = "status"
	PortLog          = "log"
	PortToolCalls    = "tool_calls"
)

func ControlPortFor(participant string) string {
	return "control_" + participant
}

type Command string

const (
	CommandResume Command = "resume"
	CommandCancel Command = "cancel"
	CommandReset  Command = "reset"
	CommandReady  Command = "ready"
	CommandExit   Command = "exit"
	CommandStats  Command = "stats"
)

// ControlPayload is the JSON body of a control event. Older producers send a
// bare lowercase command string instead; ParseControl accepts both.
type ControlPayload struct {
	Command    Command `json:"command"`
	Prompt     string  `json:"prompt,omitempty"`
	QuestionID string  `json:"question_id,omitempty"`
}

func (p ControlPayload) Encode() string {
	encoded, err := json.Marshal(p)
	if err != nil {
		// The payload is three plain strings; marshalling cannot fail.
		return string(p.Command)
	}
	return string(encoded)
}

// ParseControl decodes a control event payload. A payload that is neither a
// JSON object nor a known bare command is an error the caller should log and
// ignore.
func ParseControl(payload string) (ControlPayload, error) {
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "{") {
		var parsed ControlPayload
		if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
			return ControlPayload{}, fmt.Errorf("malformed control payload: %w", err)
		}
		if parsed.Command == "" {
			return ControlPayload{}, fmt.Errorf("control payload missing command: %s", trimmed)
		}
		return parsed, nil
	}

	switch Command(trimmed) {
	case CommandResume, CommandCancel, CommandReset, CommandReady, CommandExit, CommandStats:
		return ControlPayload{Command: Command(trimmed)}, nil
	}
	return ControlPayload{}, fmt.Errorf("unknown control command: %q", trimmed)
}
