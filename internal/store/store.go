package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use, and every update must
// be atomic with respect to concurrent callers: a single statement or
// transaction per mutation, never a caller-side read-modify-write.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, state *WorkflowState) error
	// GetWorkflow returns NOT_FOUND for absent records and for records past
	// their expires_at (lazy expiry).
	GetWorkflow(ctx context.Context, id string) (*WorkflowState, error)
	// UpdateWorkflow merges the partial update in a single statement. When
	// update.ExpectedVersion is set the statement is a compare-and-swap on
	// the version counter and a mismatch returns CONFLICT.
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	// ListActiveWorkflows is the active-by-session secondary index.
	ListActiveWorkflows(ctx context.Context, sessionID string) ([]*WorkflowState, error)
	// CompleteWorkflow sets a terminal status, stamps completion, and moves
	// the record to the historical retention TTL.
	CompleteWorkflow(ctx context.Context, id string, status string, summary string, retention time.Duration) error
	// PurgeExpired physically removes records past their expiry.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)

	// Confirmations
	CreateConfirmation(ctx context.Context, flow *ConfirmationFlow) error
	// GetConfirmation lazily transitions an overdue pending record to
	// expired before returning it.
	GetConfirmation(ctx context.Context, id string) (*ConfirmationFlow, error)
	// RespondConfirmation transitions pending -> confirmed|rejected via a
	// conditional update; zero rows affected returns CONFLICT.
	RespondConfirmation(ctx context.Context, id string, status string, respondedBy string) error
	// FinishConfirmation transitions confirmed -> executed|failed and stores
	// the execution result.
	FinishConfirmation(ctx context.Context, id string, status string, result []byte) error
	// ExpireConfirmations sweeps overdue pending records to expired and
	// returns their IDs.
	ExpireConfirmations(ctx context.Context, now time.Time) ([]string, error)
	ListConfirmations(ctx context.Context, filter ConfirmationFilter) ([]*ConfirmationFlow, error)

	// Events (append-only audit log)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)

	// Scheduled requests
	CreateScheduledRequest(ctx context.Context, req *ScheduledRequest) error
	GetScheduledRequest(ctx context.Context, id string) (*ScheduledRequest, error)
	UpdateScheduledRequest(ctx context.Context, id string, update ScheduledRequestUpdate) error
	ListScheduledRequests(ctx context.Context, filter ScheduledRequestFilter) ([]*ScheduledRequest, error)
	DeleteScheduledRequest(ctx context.Context, id string) error

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
