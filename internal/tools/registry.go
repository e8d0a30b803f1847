package tools

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/providers"
)

// Tool is the interface every tool in the belt implements: read_file,
// write_file, exec, web_search, memory_search, subagent spawn/await,
// and so on.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// AsyncCallback delivers a tool's result once an Async-flagged execution
// (e.g. a long-running subagent task) actually finishes.
type AsyncCallback func(ctx context.Context, result *Result)

// Registry holds every registered tool and mediates execution: ctx
// enrichment (channel/chat/sandbox/agent keys), per-session rate
// limiting, and credential scrubbing of results before they reach the
// LLM or the user.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string

	rateLimiter *ToolRateLimiter
	scrub       bool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool), scrub: true}
}

// Register adds or replaces a tool under its own Name().
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Unregister removes a tool by name (used by managed-mode builtin-tool
// disable flows; a no-op if the name was never registered).
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool name, sorted for determinism.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ProviderDefs renders every registered tool as a provider-facing
// function definition, in registration order (policy.go's FilterTools
// is what actually trims this set per agent/provider).
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	tools := r.tools
	r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		if t, ok := tools[name]; ok {
			defs = append(defs, ToProviderDef(t))
		}
	}
	return defs
}

// ToProviderDef renders a single tool as a provider-facing function
// definition.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

func (r *Registry) SetRateLimiter(rl *ToolRateLimiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rateLimiter = rl
}

// SetScrubbing toggles credential scrubbing of tool results; enabled
// by default.
func (r *Registry) SetScrubbing(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrub = enabled
}

// Execute runs a tool with no channel/session context attached
// (subagent sub-loops, which have no inbound channel of their own).
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) *Result {
	return r.ExecuteWithContext(ctx, name, args, "", "", "", "", nil)
}

// ExecuteWithContext runs a tool by name, threading channel/chat/peer/
// session identifiers into ctx (sandboxKey and sessionKey are the same
// value — the sandbox's container scope key is derived from the
// session) and, when cb is non-nil, making it available to the tool
// via ctx for async (subagent) completions.
func (r *Registry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, channel, chatID, peerKind, sessionKey string, cb AsyncCallback) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	r.mu.RLock()
	limiter := r.rateLimiter
	scrub := r.scrub
	r.mu.RUnlock()

	if limiter != nil && sessionKey != "" && !limiter.Allow(sessionKey, name) {
		return ErrorResult(fmt.Sprintf("tool %q rate limited for this session", name))
	}

	ctx = WithToolChannel(ctx, channel)
	ctx = WithToolChatID(ctx, chatID)
	ctx = WithToolPeerKind(ctx, peerKind)
	ctx = WithToolSandboxKey(ctx, sessionKey)
	if cb != nil {
		ctx = WithToolAsyncCB(ctx, cb)
	}

	result := t.Execute(ctx, args)
	if result != nil && scrub {
		result.ForLLM = scrubSecrets(result.ForLLM)
		if result.ForUser != "" {
			result.ForUser = scrubSecrets(result.ForUser)
		}
	}
	return result
}

// ToolRateLimiter enforces a per-hour request cap for each session and
// tool pair, using a fixed hourly window per session+tool key (not a
// token bucket — matches the config surface's "RateLimitPerHour"
// framing rather than a burst/refill model).
type ToolRateLimiter struct {
	perHour int

	mu      sync.Mutex
	buckets map[string]*rateBucket
}

type rateBucket struct {
	windowStart time.Time
	count       int
}

func NewToolRateLimiter(perHour int) *ToolRateLimiter {
	return &ToolRateLimiter{perHour: perHour, buckets: make(map[string]*rateBucket)}
}

// Allow reports whether sessionKey may call toolName again this hour,
// incrementing that pair's counter as a side effect when it does.
func (l *ToolRateLimiter) Allow(sessionKey, toolName string) bool {
	if l.perHour <= 0 {
		return true
	}
	key := sessionKey + ":" + toolName

	l.mu.Lock()
	defer l.mu.Unlock()

	now := toolRateLimiterNow()
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= time.Hour {
		b = &rateBucket{windowStart: now}
		l.buckets[key] = b
	}
	if b.count >= l.perHour {
		return false
	}
	b.count++
	return true
}

// toolRateLimiterNow is a seam so tests can control the clock without
// depending on wall time.
var toolRateLimiterNow = time.Now

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{10,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{10,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[:=]\s*["']?[A-Za-z0-9._-]{8,}["']?`),
}

// scrubSecrets redacts common credential shapes from tool output before
// it reaches the LLM or the user — defense in depth against a tool
// (e.g. exec, read_file) echoing a secret back into the conversation.
func scrubSecrets(s string) string {
	if s == "" {
		return s
	}
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
