package router

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/angeloszaimis/taskdispatch/internal/task"
)

// Rule names the routing rule that produced a decision.
type Rule string

const (
	RuleHint       Rule = "hint"
	RuleWorkflow   Rule = "workflow"
	RuleAutomation Rule = "automation"
	RuleDefault    Rule = "default"
)

type Config struct {
	// WorkflowKeys are payload fields whose non-empty string value names a
	// multi-step workflow.
	WorkflowKeys []string
	// AutomationKeys are payload fields naming a third-party automation.
	AutomationKeys []string
	// WorkflowKinds always route to the workflow engine.
	WorkflowKinds []string
	// ExternalKinds always route to the legacy automation engine.
	ExternalKinds []string
}

func DefaultConfig() Config {
	return Config{
		WorkflowKeys:   []string{"workflowId", "workflow"},
		AutomationKeys: []string{"automation", "webhook"},
	}
}

type Decision struct {
	Backend task.BackendKind
	Rule    Rule
}

type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

type Router struct {
	cfg           Config
	workflowKinds map[string]struct{}
	externalKinds map[string]struct{}
	logger        *slog.Logger

	// inferred counts legacy routes by task kind.
	inferred sync.Map
}

func New(cfg Config, opts ...Option) *Router {
	r := &Router{
		cfg:           cfg,
		workflowKinds: toSet(cfg.WorkflowKinds),
		externalKinds: toSet(cfg.ExternalKinds),
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Route(t task.Task) task.BackendKind {
	return r.Decide(t).Backend
}

// Decide is Route with the matching rule, for logging.
func (r *Router) Decide(t task.Task) Decision {
	switch t.DurabilityHint {
	case task.HintDurable:
		return Decision{Backend: task.BackendWorkflow, Rule: RuleHint}
	case task.HintSimple:
		return Decision{Backend: task.BackendQueue, Rule: RuleHint}
	case task.HintExternal:
		return Decision{Backend: task.BackendExternal, Rule: RuleHint}
	}

	fields := payloadFields(t.Payload)

	if _, ok := r.workflowKinds[t.Kind]; ok || hasName(fields, r.cfg.WorkflowKeys) {
		return Decision{Backend: task.BackendWorkflow, Rule: RuleWorkflow}
	}

	if _, ok := r.externalKinds[t.Kind]; ok || hasName(fields, r.cfg.AutomationKeys) {
		r.warnDeprecated(t.Kind)
		return Decision{Backend: task.BackendExternal, Rule: RuleAutomation}
	}

	return Decision{Backend: task.BackendQueue, Rule: RuleDefault}
}

// warnDeprecated logs every inferred legacy route: the first one per kind
// at Warn, the rest at Debug with a running count.
func (r *Router) warnDeprecated(kind string) {
	v, seen := r.inferred.LoadOrStore(kind, new(atomic.Int64))
	n := v.(*atomic.Int64).Add(1)

	const msg = "Routing task to the legacy automation engine is deprecated; set an explicit durability hint or move the task to the queue or workflow engine"
	if !seen {
		r.logger.Warn(msg, slog.String("kind", kind))
		return
	}
	r.logger.Debug(msg, slog.String("kind", kind), slog.Int64("count", n))
}

// InferredExternal returns, per task kind, how many tasks were routed to
// the legacy automation engine without an explicit hint.
func (r *Router) InferredExternal() map[string]int64 {
	out := make(map[string]int64)
	r.inferred.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}

// payloadFields decodes a JSON object payload. Anything else yields nil,
// which skips the payload rules.
func payloadFields(payload []byte) map[string]json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil
	}
	return fields
}

func hasName(fields map[string]json.RawMessage, keys []string) bool {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var name string
		if err := json.Unmarshal(raw, &name); err == nil && name != "" {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
