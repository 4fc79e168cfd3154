package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/aide-sh/aide/internal/streaming"
)

// SessionNotifier pushes notifications to connected sessions.
type SessionNotifier interface {
	Notify(ctx context.Context, sessionID string, payload map[string]any) error
}

// MCPNotifier implements SessionNotifier over MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP server.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the session's transport.
// Best-effort: returns nil if the session is not connected.
func (n *MCPNotifier) Notify(_ context.Context, sessionID string, payload map[string]any) error {
	transportID, ok := n.sessions.TransportFor(sessionID)
	if !ok {
		return nil // session not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(transportID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Transport went away between lookup and send.
		n.sessions.DropTransport(transportID)
		return nil
	}
	return err
}

// PumpEvents forwards hub events (step progress, confirmation previews,
// terminal summaries) to whichever transport owns the session. Blocks
// until ctx is cancelled.
func (s *AideServer) PumpEvents(ctx context.Context) error {
	if s.hub == nil {
		return nil
	}

	events, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.SessionID == "" {
				continue
			}
			payload := map[string]any{
				"event_type":  ev.EventType,
				"workflow_id": ev.WorkflowID,
			}
			if ev.StepID != "" {
				payload["step_id"] = ev.StepID
			}
			if ev.Payload != nil {
				payload["payload"] = ev.Payload
			}
			if notifyErr := s.notifier.Notify(ctx, ev.SessionID, payload); notifyErr != nil {
				s.logger.WarnContext(ctx, "event push failed",
					slog.String("session_id", ev.SessionID),
					slog.String("event_type", ev.EventType),
					slog.String("error", notifyErr.Error()))
			}
		}
	}
}
