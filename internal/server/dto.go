package server

import (
	"encoding/json"

	"flowboard/internal/domain"
)

// Request payloads

type DecisionRequest struct {
	Answer   string `json:"answer,omitempty" doc:"Answer to the stage question; empty with empty feedback means the work completed without one"`
	Feedback string `json:"feedback,omitempty"`
	Cycle    int    `json:"cycle" minimum:"1" doc:"Item cycle the decision belongs to, as handed to the agent at launch"`
}

func (r DecisionRequest) decision() *domain.Decision {
	if r.Answer == "" && r.Feedback == "" {
		return nil
	}
	return &domain.Decision{Answer: r.Answer, Feedback: r.Feedback}
}

type MoveRequest struct {
	StageID string `json:"stage_id"`
	Force   bool   `json:"force,omitempty"`
}

type RejectRequest struct {
	Feedback string `json:"feedback,omitempty"`
}

type AgentExitedRequest struct {
	Cycle int `json:"cycle" minimum:"1" doc:"Item cycle the agent was launched for"`
}

// Response payloads

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		out = append(out, eventResponse(evt))
	}
	return out
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
