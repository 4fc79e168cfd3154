package llm

import (
	"context"
	"time"
)

// Client is the minimal completion surface the planner and executor need.
// Implementations must honor ctx cancellation and the per-call timeout.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Request describes a single completion call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Defaults applied when Request fields are zero.
const (
	DefaultMaxTokens = 4096
	DefaultTimeout   = 60 * time.Second
)
