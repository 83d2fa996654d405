package httpx

import (
	"encoding/json"
	"time"

	"github.com/jcmexdev/btc-coordinator/internal/audit"
	"github.com/jcmexdev/btc-coordinator/internal/coordinator"
	"github.com/jcmexdev/btc-coordinator/internal/eventbus"
	"github.com/jcmexdev/btc-coordinator/internal/flow"
)

type BeginRequest struct {
	OwnerID      string   `json:"owner_id"`
	PlanID       string   `json:"plan_id,omitempty"`
	Participants []string `json:"participants,omitempty"`
	// Timeout is a Go duration string such as "30s". Empty uses the default.
	Timeout string `json:"timeout,omitempty"`
}

type CheckpointRequest struct {
	Service string          `json:"service"`
	State   json.RawMessage `json:"state"`
}

type CheckpointResponse struct {
	Service string `json:"service"`
	Digest  string `json:"digest"`
}

type ReconcileRequest struct {
	Services []string `json:"services"`
	Window   string   `json:"window,omitempty"`
	// Collect asks every listed participant for a fresh snapshot first.
	Collect bool `json:"collect,omitempty"`
}

type FlowsResponse struct {
	Active   []flow.State `json:"active"`
	Archived []flow.State `json:"archived"`
}

type HealthResponse struct {
	Status string      `json:"status"`
	Flows  flow.Health `json:"flows"`
}

type AuditEntryResponse struct {
	Seq           uint64    `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	Action        string    `json:"action"`
	UserID        string    `json:"user_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	SpanID        string    `json:"span_id,omitempty"`
}

type EventResponse struct {
	Seq       int64            `json:"seq"`
	Kind      eventbus.Kind    `json:"kind"`
	Source    string           `json:"source"`
	Owner     string           `json:"owner,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Payload   eventbus.Payload `json:"payload"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	// Transaction is the final state of a commit or rollback that failed.
	Transaction *coordinator.Transaction `json:"transaction,omitempty"`
}

func mapEntries(entries []audit.Entry) []AuditEntryResponse {
	out := make([]AuditEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = AuditEntryResponse{
			Seq:           e.Seq,
			Timestamp:     e.Timestamp,
			Source:        e.Source,
			Action:        e.Action,
			UserID:        e.UserID,
			CorrelationID: e.CorrelationID,
			Detail:        e.Detail,
			TraceID:       e.TraceID,
			SpanID:        e.SpanID,
		}
	}
	return out
}

func mapEvents(events []eventbus.Event) []EventResponse {
	out := make([]EventResponse, len(events))
	for i, ev := range events {
		out[i] = EventResponse{
			Seq:       ev.Seq,
			Kind:      ev.Kind(),
			Source:    ev.Source,
			Owner:     ev.Payload.Owner(),
			Timestamp: ev.Timestamp,
			Payload:   ev.Payload,
		}
	}
	return out
}
