package orchestrator

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/nextlevelbuilder/goclaw/internal/scheduler"
)

// PriorityRule lets an operator override the built-in priority table with a
// CEL boolean expression evaluated against an inbound message's hints. Rules
// are tried in order; the first match wins. Available variables: is_mention,
// is_reply, is_urgent, is_heartbeat, is_cron, is_subagent (all bool), and
// session_key (string).
type PriorityRule struct {
	Name       string
	Expression string
	Priority   scheduler.Priority
}

var ruleEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("is_mention", cel.BoolType),
		cel.Variable("is_reply", cel.BoolType),
		cel.Variable("is_urgent", cel.BoolType),
		cel.Variable("is_heartbeat", cel.BoolType),
		cel.Variable("is_cron", cel.BoolType),
		cel.Variable("is_subagent", cel.BoolType),
		cel.Variable("session_key", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("orchestrator: building rule cel env: %v", err))
	}
	return env
}()

// compiledRule is a PriorityRule with its CEL expression parsed and checked
// once up front, so RuleSet.Resolve never pays compilation cost per message.
type compiledRule struct {
	name     string
	priority scheduler.Priority
	program  cel.Program
}

// RuleSet is a compiled, ordered list of PriorityRules.
type RuleSet struct {
	rules []compiledRule
}

// CompileRules parses and type-checks every rule up front, returning the
// first compilation error it hits (with the offending rule's name).
func CompileRules(rules []PriorityRule) (*RuleSet, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		ast, issues := ruleEnv.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("orchestrator: rule %q: %w", r.Name, issues.Err())
		}
		prg, err := ruleEnv.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: rule %q: program: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{name: r.Name, priority: r.Priority, program: prg})
	}
	return &RuleSet{rules: compiled}, nil
}

// Resolve evaluates rules in order against in's hints and returns the first
// match's priority. ok is false if no rule matched or rs is nil.
func (rs *RuleSet) Resolve(sessionKey string, h Hints) (priority scheduler.Priority, ok bool) {
	if rs == nil {
		return 0, false
	}
	vars := map[string]interface{}{
		"is_mention":   h.IsMention,
		"is_reply":     h.IsReply,
		"is_urgent":    h.IsUrgent,
		"is_heartbeat": h.IsHeartbeat,
		"is_cron":      h.IsCron,
		"is_subagent":  h.IsSubagent,
		"session_key":  sessionKey,
	}
	for _, r := range rs.rules {
		out, _, err := r.program.Eval(vars)
		if err != nil {
			slog.Warn("orchestrator: priority rule eval failed", "rule", r.name, "error", err)
			continue
		}
		matched, isBool := out.Value().(bool)
		if isBool && matched {
			return r.priority, true
		}
	}
	return 0, false
}
