package httpapi

import (
	"encoding/json"
	"time"

	"github.com/petrijr/reelflow/pkg/api"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

// CheckStatus is returned with 202 Accepted when an instance is started. It
// lists the management URLs for the new instance.
type CheckStatus struct {
	ID                string `json:"id"`
	StatusQueryGetURI string `json:"statusQueryGetUri"`
	HistoryGetURI     string `json:"historyGetUri"`
	SendEventPostURI  string `json:"sendEventPostUri"`
	TerminatePostURI  string `json:"terminatePostUri"`
}

type InstanceStatus struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Status     api.Status          `json:"status"`
	Generation int                 `json:"generation"`
	Input      json.RawMessage     `json:"input,omitempty"`
	Output     json.RawMessage     `json:"output,omitempty"`
	Failure    *api.FailureDetails `json:"failure,omitempty"`
	ParentID   string              `json:"parentId,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt"`
}

func newInstanceStatus(inst *api.Instance) InstanceStatus {
	return InstanceStatus{
		ID:         inst.ID,
		Name:       inst.Name,
		Status:     inst.Status,
		Generation: inst.Generation,
		Input:      rawJSON(inst.Input),
		Output:     rawJSON(inst.Output),
		Failure:    inst.Failure,
		ParentID:   inst.ParentID,
		CreatedAt:  inst.CreatedAt,
		UpdatedAt:  inst.UpdatedAt,
	}
}

type HistoryEvent struct {
	Index      int                 `json:"index"`
	At         time.Time           `json:"at"`
	Type       api.EventType       `json:"type"`
	TaskID     int                 `json:"taskId,omitempty"`
	Name       string              `json:"name,omitempty"`
	InstanceID string              `json:"instanceId,omitempty"`
	Input      json.RawMessage     `json:"input,omitempty"`
	Result     json.RawMessage     `json:"result,omitempty"`
	Failure    *api.FailureDetails `json:"failure,omitempty"`
	FireAt     *time.Time          `json:"fireAt,omitempty"`
}

func newHistoryEvents(events []api.HistoryEvent) []HistoryEvent {
	out := make([]HistoryEvent, 0, len(events))
	for _, ev := range events {
		item := HistoryEvent{
			Index:      ev.Index,
			At:         ev.At,
			Type:       ev.Type,
			TaskID:     ev.TaskID,
			Name:       ev.Name,
			InstanceID: ev.InstanceID,
			Input:      rawJSON(ev.Input),
			Result:     rawJSON(ev.Result),
			Failure:    ev.Failure,
		}
		if !ev.FireAt.IsZero() {
			fireAt := ev.FireAt
			item.FireAt = &fireAt
		}
		out = append(out, item)
	}
	return out
}

// rawJSON passes stored payloads through unchanged. Anything that is not
// valid JSON is re-encoded as a string.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
