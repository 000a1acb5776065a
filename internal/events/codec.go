package events

import (
	"encoding/json"
	"errors"
	"fmt"

	v1 "github.com/agentz/agentz/pkg/api/v1"
)

// ErrUnknownType marks a frame whose discriminator is not recognised.
// Recoverable: readers skip the frame and continue.
var ErrUnknownType = errors.New("unknown event type")

// ErrCorruptFrame marks a frame with a known type but missing required
// fields. Readers treat the frame and everything after it as corrupt.
var ErrCorruptFrame = errors.New("corrupt event frame")

// EncodeRegistry serialises a registry event into one NDJSON frame.
func EncodeRegistry(ev RegistryEvent) ([]byte, error) {
	if ev.V == 0 {
		ev.V = SchemaVersion
	}
	return json.Marshal(ev)
}

// DecodeRegistry parses and validates one registry frame.
func DecodeRegistry(frame []byte) (RegistryEvent, error) {
	var ev RegistryEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}
	switch ev.Type {
	case SessionCreated, SessionUpdated, SessionCompleted, SessionFailed, SessionCancelled, SessionDeleted:
	case "":
		return ev, fmt.Errorf("%w: missing type", ErrCorruptFrame)
	default:
		return ev, fmt.Errorf("%w: %q", ErrUnknownType, ev.Type)
	}
	if ev.SessionID == "" {
		return ev, fmt.Errorf("%w: %s missing session_id", ErrCorruptFrame, ev.Type)
	}
	if ev.Timestamp.IsZero() {
		return ev, fmt.Errorf("%w: %s missing timestamp", ErrCorruptFrame, ev.Type)
	}
	switch ev.Type {
	case SessionCreated:
		if ev.WorkingDir == "" {
			return ev, fmt.Errorf("%w: session_created missing working_dir", ErrCorruptFrame)
		}
		if !v1.ValidAgentType(ev.AgentType) {
			return ev, fmt.Errorf("%w: session_created has invalid agent_type %q", ErrCorruptFrame, ev.AgentType)
		}
	case SessionUpdated:
		if !v1.ValidSessionStatus(ev.Status) {
			return ev, fmt.Errorf("%w: session_updated has invalid status %q", ErrCorruptFrame, ev.Status)
		}
	}
	return ev, nil
}

// EncodeSession serialises a per-session event into one NDJSON frame.
func EncodeSession(ev SessionEvent) ([]byte, error) {
	if ev.V == 0 {
		ev.V = SchemaVersion
	}
	return json.Marshal(ev)
}

// DecodeSession parses and validates one per-session frame.
func DecodeSession(frame []byte) (SessionEvent, error) {
	var ev SessionEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}
	switch ev.Type {
	case Output, CLISessionID, AgentState:
	case "":
		return ev, fmt.Errorf("%w: missing type", ErrCorruptFrame)
	default:
		return ev, fmt.Errorf("%w: %q", ErrUnknownType, ev.Type)
	}
	if ev.SessionID == "" {
		return ev, fmt.Errorf("%w: %s missing session_id", ErrCorruptFrame, ev.Type)
	}
	switch ev.Type {
	case Output:
		if ev.Chunk == nil {
			return ev, fmt.Errorf("%w: output missing chunk", ErrCorruptFrame)
		}
		if !v1.ValidChunkKind(ev.Chunk.Kind) {
			return ev, fmt.Errorf("%w: output has invalid chunk kind %q", ErrCorruptFrame, ev.Chunk.Kind)
		}
	case CLISessionID:
		if ev.CLISessionID == "" {
			return ev, fmt.Errorf("%w: cli_session_id missing handle", ErrCorruptFrame)
		}
	case AgentState:
		if len(ev.AgentState) == 0 {
			return ev, fmt.Errorf("%w: agent_state missing payload", ErrCorruptFrame)
		}
	}
	return ev, nil
}

// EncodeControl serialises a control event into one NDJSON frame.
func EncodeControl(ev ControlEvent) ([]byte, error) {
	if ev.V == 0 {
		ev.V = SchemaVersion
	}
	return json.Marshal(ev)
}

// DecodeControl parses and validates one control frame.
func DecodeControl(frame []byte) (ControlEvent, error) {
	var ev ControlEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrCorruptFrame, err)
	}
	switch ev.Type {
	case ApprovalResponse:
	case "":
		return ev, fmt.Errorf("%w: missing type", ErrCorruptFrame)
	default:
		return ev, fmt.Errorf("%w: %q", ErrUnknownType, ev.Type)
	}
	if ev.SessionID == "" {
		return ev, fmt.Errorf("%w: approval_response missing session_id", ErrCorruptFrame)
	}
	return ev, nil
}

// DecodeRegistryStream decodes a sequence of raw frames, skipping
// unknown types and stopping at the first corrupt frame. It returns the
// decoded prefix and whether a corrupt tail was encountered.
func DecodeRegistryStream(frames [][]byte) ([]RegistryEvent, bool) {
	out := make([]RegistryEvent, 0, len(frames))
	for _, frame := range frames {
		ev, err := DecodeRegistry(frame)
		if err != nil {
			if errors.Is(err, ErrUnknownType) {
				continue
			}
			return out, true
		}
		out = append(out, ev)
	}
	return out, false
}

// DecodeSessionStream decodes a sequence of raw per-session frames with
// the same skip/stop rules as DecodeRegistryStream.
func DecodeSessionStream(frames [][]byte) ([]SessionEvent, bool) {
	out := make([]SessionEvent, 0, len(frames))
	for _, frame := range frames {
		ev, err := DecodeSession(frame)
		if err != nil {
			if errors.Is(err, ErrUnknownType) {
				continue
			}
			return out, true
		}
		out = append(out, ev)
	}
	return out, false
}
