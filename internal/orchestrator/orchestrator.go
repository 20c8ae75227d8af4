// Package orchestrator wires the coalescer, auth cache, scheduler, event
// bus, and subagent registry into the single entry point transport
// adapters call on an inbound message: accept → coalesce → preload auth →
// enqueue → emit events → notify waiters.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/authcache"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/coalesce"
	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
	"github.com/nextlevelbuilder/goclaw/internal/subagents"
	"github.com/nextlevelbuilder/goclaw/internal/telemetry"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/goclaw/internal/orchestrator")

// Hints are the signal flags a transport adapter attaches to an inbound
// message; the orchestrator uses them only for priority resolution.
type Hints struct {
	IsMention   bool
	IsReply     bool
	IsUrgent    bool
	IsHeartbeat bool
	IsCron      bool
	IsSubagent  bool

	// ExplicitPriority, if non-nil, overrides every other hint.
	ExplicitPriority *scheduler.Priority
}

// ResolvePriority implements the orchestrator's priority resolution table:
// explicit priority wins outright; else urgent for mention/reply/urgent;
// background for heartbeat/cron; normal for subagent; normal by default.
func ResolvePriority(h Hints) scheduler.Priority {
	if h.ExplicitPriority != nil {
		return *h.ExplicitPriority
	}
	if h.IsMention || h.IsReply || h.IsUrgent {
		return scheduler.PriorityUrgent
	}
	if h.IsHeartbeat || h.IsCron {
		return scheduler.PriorityBackground
	}
	return scheduler.PriorityNormal
}

// Inbound is a single message offered to the orchestrator by a transport
// adapter.
type Inbound struct {
	SessionKey string
	Text       string
	Images     []coalesce.Image
	Hints      Hints

	// DedupeKey, if non-empty, is checked against Config.Dedupe before
	// coalescing; a repeat within the TTL window is dropped silently.
	DedupeKey string

	Provider         string
	PreferredProfile string

	// SpawnSubagent, if set, registers a subagent run record before the
	// resulting session task is enqueued.
	SpawnSubagent *SubagentSpawn
}

// SubagentSpawn carries the fields needed to register a child run.
type SubagentSpawn struct {
	RunID               string
	ChildSessionKey     string
	RequesterSessionKey string
	RequesterOrigin     subagents.Origin
	RequesterDisplayKey string
	Task                string
	Cleanup             subagents.CleanupPolicy
	Label               string
}

// RunFunc executes one settled turn; the orchestrator supplies it with the
// resolved credential and combined message, and uses its TaskFunc result
// as the session task's outcome.
type RunFunc func(ctx context.Context, combined coalesce.Combined, cred authcache.Credential, in Inbound) (interface{}, error)

// Config wires every collaborator the orchestrator needs. Coalescer,
// AuthCache, Scheduler, Subagents and Run are required. New fills in
// AuthRetryAttempts (2) and GuardAction ("warn") when they are left zero;
// Bus, Dedupe, Profiles, Rules, Guard and Router may be nil.
type Config struct {
	Coalescer *coalesce.Coalescer
	AuthCache *authcache.Cache
	Scheduler *scheduler.Scheduler
	Bus       *bus.Bus
	Subagents *subagents.Registry

	// Dedupe, if set, drops inbound messages that look like transport
	// redelivery of one already seen, ahead of the coalescer.
	Dedupe *bus.DedupeCache

	Run RunFunc

	// Profiles supplies the candidate profile list for a given provider.
	Profiles func(provider string) []authcache.Profile

	// AuthRetryAttempts bounds retries of a transient auth resolution
	// failure before surfacing it to the caller.
	AuthRetryAttempts int

	// Rules, if set, is consulted before the built-in priority table; the
	// first matching rule wins and ResolvePriority is skipped entirely.
	Rules *RuleSet

	// Guard, if set, scans every inbound message's text for prompt
	// injection patterns before it reaches the coalescer. GuardAction
	// selects what happens on a match ("log", "warn", "block"); empty
	// defaults to "warn". A nil Guard disables scanning.
	Guard       *agent.InputGuard
	GuardAction string

	// Router, if set, tracks the cancel func for every session task so a
	// chat.abort call can reach AbortRun and cancel it mid-flight.
	Router *agent.Router
}

// Orchestrator is the Orchestrator (glue) component.
type Orchestrator struct {
	cfg Config
}

// New creates an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	if cfg.AuthRetryAttempts <= 0 {
		cfg.AuthRetryAttempts = 2
	}
	if cfg.GuardAction == "" {
		cfg.GuardAction = "warn"
	}
	return &Orchestrator{cfg: cfg}
}

// Accept is the single entry point a transport adapter calls for every
// inbound message. It returns a channel that settles once the
// coalesced/combined batch's session task completes.
func (o *Orchestrator) Accept(ctx context.Context, in Inbound) <-chan scheduler.Outcome {
	ctx, span := telemetry.StartServerSpan(ctx, tracer, "orchestrator.Accept",
		telemetry.AttrSessionKey.String(in.SessionKey),
		telemetry.AttrProvider.String(in.Provider),
	)

	if o.cfg.Dedupe != nil && in.DedupeKey != "" && o.cfg.Dedupe.IsDuplicate(in.DedupeKey) {
		out := make(chan scheduler.Outcome, 1)
		out <- scheduler.Outcome{Err: fmt.Errorf("orchestrator: duplicate message dropped")}
		span.End()
		return out
	}

	if blocked, err := o.scanInput(in); blocked {
		out := make(chan scheduler.Outcome, 1)
		out <- scheduler.Outcome{Err: err}
		span.End()
		return out
	}

	windowCh := o.cfg.Coalescer.Coalesce(in.SessionKey, coalesce.Message{Text: in.Text, Images: in.Images})

	out := make(chan scheduler.Outcome, 1)
	go func() {
		defer span.End()

		var batch []coalesce.Message
		select {
		case batch = <-windowCh:
		case <-ctx.Done():
			out <- scheduler.Outcome{Err: ctx.Err()}
			return
		}

		combined := coalesce.Combine(batch)
		priority, ruled := o.cfg.Rules.Resolve(in.SessionKey, in.Hints)
		if !ruled {
			priority = ResolvePriority(in.Hints)
		}

		if in.SpawnSubagent != nil {
			if _, err := o.cfg.Subagents.Register(subagents.RegisterInput{
				RunID:               in.SpawnSubagent.RunID,
				ChildSessionKey:     in.SpawnSubagent.ChildSessionKey,
				RequesterSessionKey: in.SpawnSubagent.RequesterSessionKey,
				RequesterOrigin:     in.SpawnSubagent.RequesterOrigin,
				RequesterDisplayKey: in.SpawnSubagent.RequesterDisplayKey,
				Task:                in.SpawnSubagent.Task,
				Cleanup:             in.SpawnSubagent.Cleanup,
				Label:               in.SpawnSubagent.Label,
			}); err != nil {
				slog.Error("orchestrator: failed to register subagent run", "run_id", in.SpawnSubagent.RunID, "error", err)
			}
		}

		runID := uuid.NewString()
		if in.SpawnSubagent != nil && in.SpawnSubagent.RunID != "" {
			runID = in.SpawnSubagent.RunID
		}

		resultCh := o.cfg.Scheduler.EnqueueSession(ctx, in.SessionKey, func(taskCtx context.Context) (interface{}, error) {
			taskCtx, cancel := context.WithCancel(taskCtx)
			defer cancel()
			if o.cfg.Router != nil {
				o.cfg.Router.RegisterRun(runID, in.SessionKey, in.Provider, cancel)
				defer o.cfg.Router.UnregisterRun(runID)
			}

			cred, err := o.resolveAuth(taskCtx, in)
			if err != nil {
				return nil, fmt.Errorf("orchestrator: auth resolution failed: %w", err)
			}

			result, err := o.cfg.Run(taskCtx, combined, cred, in)
			if err != nil && isAuthRejection(err) {
				o.invalidateAuth(in)
			}
			return result, err
		}, scheduler.EnqueueOptions{Priority: priority})

		select {
		case outcome := <-resultCh:
			out <- outcome
		case <-ctx.Done():
			out <- scheduler.Outcome{Err: ctx.Err()}
		}
	}()

	return out
}

// scanInput runs the configured InputGuard against in.Text and applies
// GuardAction. blocked is true only for "block", in which case err is the
// rejection to surface to the caller instead of running the turn at all.
func (o *Orchestrator) scanInput(in Inbound) (blocked bool, err error) {
	if o.cfg.Guard == nil || o.cfg.GuardAction == "off" {
		return false, nil
	}
	matches := o.cfg.Guard.Scan(in.Text)
	if len(matches) == 0 {
		return false, nil
	}
	switch o.cfg.GuardAction {
	case "log":
		slog.Info("orchestrator: input guard matched", "session_key", in.SessionKey, "patterns", matches)
	case "block":
		slog.Warn("orchestrator: input guard blocked message", "session_key", in.SessionKey, "patterns", matches)
		return true, fmt.Errorf("orchestrator: message rejected by input guard (%s)", strings.Join(matches, ","))
	default:
		slog.Warn("orchestrator: input guard matched", "session_key", in.SessionKey, "patterns", matches)
	}
	return false, nil
}

// AbortRun cancels an in-flight session task registered under runID,
// validating that sessionKey owns it. Requires Config.Router to be set;
// without one, AbortRun always reports false.
func (o *Orchestrator) AbortRun(runID, sessionKey string) bool {
	if o.cfg.Router == nil {
		return false
	}
	return o.cfg.Router.AbortRun(runID, sessionKey)
}

// resolveAuth resolves a usable credential for in.Provider, retrying a
// bounded number of times on transient failure before giving up.
func (o *Orchestrator) resolveAuth(ctx context.Context, in Inbound) (authcache.Credential, error) {
	var profiles []authcache.Profile
	if o.cfg.Profiles != nil {
		profiles = o.cfg.Profiles(in.Provider)
	}

	var lastErr error
	for attempt := 0; attempt < o.cfg.AuthRetryAttempts; attempt++ {
		cred, err := o.cfg.AuthCache.FindAvailable(ctx, in.Provider, profiles, in.PreferredProfile)
		if err == nil {
			return cred, nil
		}
		lastErr = err
		slog.Warn("orchestrator: auth resolution attempt failed", "provider", in.Provider, "attempt", attempt+1, "error", err)
	}
	return authcache.Credential{}, lastErr
}

// invalidateAuth forces re-resolution of in.Provider's cached credential,
// called after a downstream 401.
func (o *Orchestrator) invalidateAuth(in Inbound) {
	o.cfg.AuthCache.Invalidate(in.Provider, in.PreferredProfile)
}

// isAuthRejection reports whether err looks like an upstream auth
// rejection (401/invalid-credential) rather than some other failure. The
// orchestrator only has the run error string to go on since RunFunc is
// provider-agnostic; adapters that want sharper classification should wrap
// their error with this substring.
func isAuthRejection(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "401") ||
		strings.Contains(strings.ToLower(err.Error()), "unauthorized") ||
		strings.Contains(strings.ToLower(err.Error()), "invalid credential")
}

// WaitForSubagent blocks for a spawned run to finish, used by a parent
// agent turn that wants to synchronously await its child.
func (o *Orchestrator) WaitForSubagent(runID string, timeoutMS int64) *subagents.Record {
	return o.cfg.Subagents.WaitForRun(runID, timeoutMS)
}

// Shutdown drains the scheduler's named lanes and flushes any open
// coalesce windows, giving in-flight work a bounded chance to finish.
func (o *Orchestrator) Shutdown(drainTimeoutMS int64) {
	o.cfg.Coalescer.ClearAll()
	o.cfg.Scheduler.WaitForActiveTasks(drainTimeoutMS)
	o.cfg.Scheduler.Stop()
	o.cfg.Subagents.Shutdown()
}
