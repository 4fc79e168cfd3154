package confirm

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aide-sh/aide/internal/store"
	"github.com/aide-sh/aide/internal/streaming"
	"github.com/aide-sh/aide/internal/tools"
	"github.com/aide-sh/aide/pkg/schema"
)

// DefaultTTL is how long a pending confirmation waits for a response.
const DefaultTTL = 30 * time.Minute

// ToolDispatcher executes the gated tool call once the user confirms.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, call schema.ToolCall) (*tools.ToolResult, error)
}

// ConfirmationRequest carries everything needed to open a flow.
type ConfirmationRequest struct {
	SessionID   string
	UserID      string
	WorkflowID  string
	StepNumber  int
	ToolCall    schema.ToolCall
	Description string
	Reason      string
	Channel     string
	ThreadID    string
	// TTL bounds how long the flow stays pending. Zero or negative means
	// the gate default applies; an already-expired flow cannot be opened.
	TTL time.Duration
}

// Gate owns the confirmation lifecycle: it opens flows for risky tool
// calls, records user responses, and executes confirmed calls exactly once.
type Gate struct {
	store      store.Store
	dispatcher ToolDispatcher
	policy     *Policy
	hub        streaming.EventHub
	logger     *slog.Logger
	ttl        time.Duration
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithTTL overrides the default pending-confirmation TTL.
func WithTTL(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.ttl = d
		}
	}
}

// NewGate creates a confirmation gate. hub may be nil; notifications are
// then skipped.
func NewGate(s store.Store, dispatcher ToolDispatcher, policy *Policy, hub streaming.EventHub, logger *slog.Logger, opts ...GateOption) *Gate {
	g := &Gate{
		store:      s,
		dispatcher: dispatcher,
		policy:     policy,
		hub:        hub,
		logger:     logger,
		ttl:        DefaultTTL,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequiresConfirmation reports whether the call must be gated.
func (g *Gate) RequiresConfirmation(ctx context.Context, call schema.ToolCall) (bool, string, error) {
	return g.policy.RequiresConfirmation(ctx, call)
}

// RequestConfirmation opens a pending flow for the given tool call.
func (g *Gate) RequestConfirmation(ctx context.Context, req ConfirmationRequest) (*store.ConfirmationFlow, error) {
	if req.SessionID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "confirmation request requires a session id")
	}
	if req.ToolCall.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "confirmation request requires a tool call")
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = g.ttl
	}

	now := time.Now().UTC()
	flow := &store.ConfirmationFlow{
		ConfirmationID:   uuid.NewString(),
		SessionID:        req.SessionID,
		UserID:           req.UserID,
		WorkflowID:       req.WorkflowID,
		StepNumber:       req.StepNumber,
		ActionPreview:    BuildPreview(req.ToolCall, req.Description, req.Reason),
		OriginalToolCall: req.ToolCall,
		Status:           schema.ConfirmationStatusPending,
		Channel:          req.Channel,
		ThreadID:         req.ThreadID,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
	}

	if err := g.store.CreateConfirmation(ctx, flow); err != nil {
		return nil, err
	}

	g.appendEvent(ctx, flow, schema.EventConfirmationRequested, map[string]any{
		"tool":       flow.OriginalToolCall.Name,
		"expires_at": flow.ExpiresAt,
	})
	g.publish(ctx, flow, "confirmation.requested", flow.ActionPreview)

	g.logger.InfoContext(ctx, "confirmation requested",
		slog.String("confirmation_id", flow.ConfirmationID),
		slog.String("tool", flow.OriginalToolCall.Name),
		slog.Time("expires_at", flow.ExpiresAt),
	)
	return flow, nil
}

// Respond records the user's decision on a pending flow. The transition is
// a conditional update; a flow that is absent, already responded, or past
// its expiry surfaces NOT_FOUND / CONFLICT / EXPIRED respectively.
func (g *Gate) Respond(ctx context.Context, id string, confirmed bool, respondedBy string) (*store.ConfirmationFlow, error) {
	status := schema.ConfirmationStatusRejected
	if confirmed {
		status = schema.ConfirmationStatusConfirmed
	}

	if err := g.store.RespondConfirmation(ctx, id, string(status), respondedBy); err != nil {
		return nil, err
	}

	flow, err := g.store.GetConfirmation(ctx, id)
	if err != nil {
		return nil, err
	}

	g.appendEvent(ctx, flow, schema.EventConfirmationResponded, map[string]any{
		"confirmed":    confirmed,
		"responded_by": respondedBy,
	})
	g.publish(ctx, flow, "confirmation.responded", map[string]any{
		"confirmed": confirmed,
	})

	g.logger.InfoContext(ctx, "confirmation responded",
		slog.String("confirmation_id", id),
		slog.Bool("confirmed", confirmed),
	)
	return flow, nil
}

// Execute dispatches a confirmed flow's tool call. Legal only from the
// confirmed status; the terminal transition is a conditional update, so a
// concurrent duplicate loses with CONFLICT and the call's effect is
// recorded exactly once.
func (g *Gate) Execute(ctx context.Context, id string) (*store.ConfirmationFlow, error) {
	flow, err := g.store.GetConfirmation(ctx, id)
	if err != nil {
		return nil, err
	}
	if flow.Status != schema.ConfirmationStatusConfirmed {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"confirmation %s is %s, expected confirmed", id, flow.Status)
	}

	result, dispatchErr := g.dispatcher.Dispatch(ctx, flow.OriginalToolCall)

	status := schema.ConfirmationStatusExecuted
	if dispatchErr != nil || result == nil || !result.Success {
		status = schema.ConfirmationStatusFailed
	}

	var resultJSON []byte
	if result != nil {
		resultJSON, _ = json.Marshal(result)
	}

	if err := g.store.FinishConfirmation(ctx, id, string(status), resultJSON); err != nil {
		return nil, err
	}

	flow, err = g.store.GetConfirmation(ctx, id)
	if err != nil {
		return nil, err
	}

	g.appendEvent(ctx, flow, schema.EventConfirmationExecuted, map[string]any{
		"status": string(status),
		"tool":   flow.OriginalToolCall.Name,
	})
	g.publish(ctx, flow, "confirmation.executed", map[string]any{
		"status": string(status),
	})

	g.logger.InfoContext(ctx, "confirmation executed",
		slog.String("confirmation_id", id),
		slog.String("status", string(status)),
	)
	return flow, nil
}

// Get returns a flow with lazy expiry applied.
func (g *Gate) Get(ctx context.Context, id string) (*store.ConfirmationFlow, error) {
	return g.store.GetConfirmation(ctx, id)
}

// ListPending returns the session's pending flows.
func (g *Gate) ListPending(ctx context.Context, sessionID string) ([]*store.ConfirmationFlow, error) {
	return g.store.ListConfirmations(ctx, store.ConfirmationFilter{
		SessionID: sessionID,
		Status:    string(schema.ConfirmationStatusPending),
	})
}

func (g *Gate) appendEvent(ctx context.Context, flow *store.ConfirmationFlow, eventType string, payload map[string]any) {
	if flow.WorkflowID == "" {
		return
	}
	payload["confirmation_id"] = flow.ConfirmationID
	data, _ := json.Marshal(payload)
	if err := g.store.AppendEvent(ctx, &store.Event{
		WorkflowID: flow.WorkflowID,
		Type:       eventType,
		Payload:    data,
		SessionID:  flow.SessionID,
	}); err != nil {
		g.logger.WarnContext(ctx, "failed to append confirmation event",
			slog.String("confirmation_id", flow.ConfirmationID),
			slog.String("error", err.Error()),
		)
	}
}

func (g *Gate) publish(ctx context.Context, flow *store.ConfirmationFlow, eventType string, payload any) {
	if g.hub == nil {
		return
	}
	_ = g.hub.Publish(ctx, streaming.StreamEvent{
		SessionID:  flow.SessionID,
		WorkflowID: flow.WorkflowID,
		EventType:  eventType,
		Payload: map[string]any{
			"confirmation_id": flow.ConfirmationID,
			"data":            payload,
		},
	})
}
