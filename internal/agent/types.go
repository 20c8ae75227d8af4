package agent

import (
	"context"
	"time"
)

// Agent is the core abstraction for an AI agent execution loop.
// Router caches and looks up implementations by ID; it is an interface for testability and composability.
type Agent interface {
	ID() string
	Run(ctx context.Context, req RunRequest) (*RunResult, error)
	IsRunning() bool
	Model() string
}

// RunRequest is one turn submitted to an Agent: a session-scoped unit of
// work produced by the orchestrator after coalescing and priority
// resolution, carrying everything the agent loop needs to act.
type RunRequest struct {
	RunID      string
	SessionKey string
	AgentID    string

	// Text is the coalesced message text for this turn (already joined
	// by the request coalescer when more than one inbound message was
	// batched).
	Text string

	// Images holds any image attachments collected across the coalesced
	// window, in arrival order.
	Images []ImageRef

	// IsSubagent marks this run as a subagent invocation rather than a
	// top-level session turn; the orchestrator uses this to default
	// priority to normal and to route completion through the subagent
	// registry instead of directly back to the originating channel.
	IsSubagent bool

	// ParentRunID links a subagent run back to the run that spawned it.
	// Empty for top-level runs.
	ParentRunID string

	EnqueuedAt time.Time
}

// ImageRef is an opaque reference to an image attachment; the agent
// provider layer resolves it into whatever wire representation its
// upstream API expects.
type ImageRef struct {
	URL      string
	MimeType string
}

// RunResult is what an Agent.Run call produces once a turn settles.
type RunResult struct {
	RunID    string
	Text     string
	Usage    Usage
	Duration time.Duration
}

// Usage reports token accounting for a single run, used by callers that
// track spend per session or per agent.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
