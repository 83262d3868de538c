// Package eventbus implements the per-run event log: a totally ordered,
// cursor-indexed stream with replay plus live tail for multiple
// subscribers. One logical log exists per runId; logs move through
// open -> closed and closed logs stay replayable for a grace window.
package eventbus

import (
	"time"

	jsonx "runway/internal/shared/json"
)

// Kind is the event discriminator on the wire.
type Kind string

const (
	KindRunStatus    Kind = "run.status"
	KindMessageDelta Kind = "message.delta"
	KindTodoUpdate   Kind = "todo.update"
	KindRunWarning   Kind = "run.warning"
	KindRunClosed    Kind = "run.closed"
)

// Run phases carried in run.status payloads.
const (
	StatusStarted      = "started"
	StatusRunning      = "running"
	StatusWaitingHuman = "waiting_human"
	StatusBlocked      = "blocked"
	StatusCanceled     = "canceled"
	StatusFinished     = "finished"
	StatusFailed       = "failed"
)

// Event is one record of a run's log. Seq is gap-free per run from 1.
// Seq 0 marks a subscriber-local notice (gap or slow-subscriber warning)
// that is not part of the canonical sequence.
type Event struct {
	RunID   string           `json:"run_id"`
	Seq     int64            `json:"seq"`
	Kind    Kind             `json:"kind"`
	Ts      time.Time        `json:"ts"`
	Payload jsonx.RawMessage `json:"payload,omitempty"`
}

// StatusPayload builds a run.status payload.
func StatusPayload(status, detail string) jsonx.RawMessage {
	body := map[string]string{"status": status}
	if detail != "" {
		body["detail"] = detail
	}
	data, _ := jsonx.Marshal(body)
	return data
}

// DeltaPayload builds a message.delta payload.
func DeltaPayload(text string) jsonx.RawMessage {
	data, _ := jsonx.Marshal(map[string]string{"text": text})
	return data
}

// WarningPayload builds a run.warning payload.
func WarningPayload(reason, message string) jsonx.RawMessage {
	body := map[string]string{"reason": reason}
	if message != "" {
		body["message"] = message
	}
	data, _ := jsonx.Marshal(body)
	return data
}

// ClosedPayload builds a run.closed payload.
func ClosedPayload(reason string) jsonx.RawMessage {
	if reason == "" {
		return jsonx.RawMessage(`{}`)
	}
	data, _ := jsonx.Marshal(map[string]string{"reason": reason})
	return data
}

// GapPayload builds the run.warning payload for a cursor that points
// before the oldest replayable event.
func GapPayload(fromSeq, firstAvailable int64) jsonx.RawMessage {
	data, _ := jsonx.Marshal(map[string]any{
		"reason":          "gap",
		"from":            fromSeq,
		"first_available": firstAvailable,
	})
	return data
}
