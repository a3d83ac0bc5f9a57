package store

import (
	"encoding/json"
	"time"
)

func encodeEventData(data map[string]string) string {
	if len(data) == 0 {
		return ""
	}
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeEventData(s string) map[string]string {
	if s == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func encodeStrings(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	b, err := json.Marshal(vs)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func encodeStringMap(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeStringMap(s string) map[string]string {
	if s == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// statusData is the JSON payload packed into task_status.status_data —
// everything about a status row beyond its task_id/status_type/updated_at.
type statusData struct {
	Attempt     int       `json:"attempt"`
	WorkerID    string    `json:"worker_id,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
	Error       string    `json:"error,omitempty"`
	CancelledBy string    `json:"cancelled_by,omitempty"`
	PauseReason string    `json:"pause_reason,omitempty"`
	PausedFrom  string    `json:"paused_from,omitempty"`
}

func encodeStatusData(rec StatusRecord) string {
	b, err := json.Marshal(statusData{
		Attempt:     rec.Attempt,
		WorkerID:    rec.WorkerID,
		StartedAt:   rec.StartedAt,
		EndedAt:     rec.EndedAt,
		Error:       rec.Error,
		CancelledBy: rec.CancelledBy,
		PauseReason: rec.PauseReason,
		PausedFrom:  rec.PausedFrom,
	})
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeStatusData(s string) statusData {
	var d statusData
	_ = json.Unmarshal([]byte(s), &d)
	return d
}
