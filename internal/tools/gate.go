package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goclaw/internal/sandbox"
)

// BashProfile gates which commands the allowlist step admits.
type BashProfile string

const (
	ProfilePermissive BashProfile = "Permissive"
	ProfileBalanced   BashProfile = "Balanced"
	ProfileStrict     BashProfile = "Strict"
)

// PolicyPreset is the coarse dial exposed to operators; Hardened
// overrides profile-derived limits downward the way
// config.SandboxConfig.ToSandboxConfig applies its own overrides.
type PolicyPreset string

const (
	PresetPermissive PolicyPreset = "Permissive"
	PresetBalanced   PolicyPreset = "Balanced"
	PresetStrict     PolicyPreset = "Strict"
	PresetHardened   PolicyPreset = "Hardened"
)

// WrapMode is the execution-time sandbox-wrap decision (gate step 8),
// distinct from sandbox.Manager's persistent Docker containers: this
// wraps a single command invocation via external launcher tokens
// (e.g. bubblewrap, firejail) for host-level exec.
type WrapMode string

const (
	WrapOff   WrapMode = "Off"
	WrapAuto  WrapMode = "Auto"
	WrapForce WrapMode = "Force"
)

// Policy is the full Tool Policy & Sandbox configuration gating bash/
// read/write/edit/http tool invocations.
type Policy struct {
	AllowedRoots    []string
	AllowedCommands []string // trailing "*" = prefix wildcard
	BashProfile     BashProfile
	PolicyPreset    PolicyPreset

	MaxCommandLength      int
	MaxCommandOutputBytes int
	MaxFileReadBytes      int64
	MaxFileWriteBytes     int64
	AllowCommandNewlines  bool
	BashTimeoutMs         int
	EnforceRegularFiles   bool

	OSSandboxMode    WrapMode
	OSSandboxCommand []string // tokens: {shell} {command} {cwd}

	HTTPTimeoutMs            int
	HTTPMaxResponseBytes     int64
	HTTPMaxRedirects         int
	HTTPAllowHTTP            bool
	HTTPAllowPrivateNetwork  bool

	ToolRateLimitMaxRequests int
	ToolRateLimitWindowMs    int

	BashDryRun                 bool
	ToolPolicyTrace            bool
	ExtensionPolicyOverrideRoot string
}

// DefaultPolicy returns the Balanced-profile / Balanced-preset policy.
func DefaultPolicy() Policy {
	return Policy{
		BashProfile:              ProfileBalanced,
		PolicyPreset:             PresetBalanced,
		MaxCommandLength:         4000,
		MaxCommandOutputBytes:    200_000,
		MaxFileReadBytes:         5 << 20,
		MaxFileWriteBytes:        5 << 20,
		AllowCommandNewlines:     false,
		BashTimeoutMs:            60_000,
		EnforceRegularFiles:      true,
		OSSandboxMode:            WrapOff,
		HTTPTimeoutMs:            30_000,
		HTTPMaxResponseBytes:     10 << 20,
		HTTPMaxRedirects:         5,
		HTTPAllowHTTP:            false,
		HTTPAllowPrivateNetwork:  false,
		ToolRateLimitMaxRequests: 30,
		ToolRateLimitWindowMs:    60_000,
	}
}

// ApplyHardened overrides profile-derived limits downward; explicit
// profile flags set directly on Policy still take precedence
// (the gate only applies ApplyHardened to zero-value/default fields
// the caller hasn't explicitly set — callers that want the override to
// always win should call this before any manual field assignment).
func (p *Policy) ApplyHardened() {
	if p.PolicyPreset != PresetHardened {
		return
	}
	p.BashProfile = ProfileStrict
	p.MaxCommandLength = min(p.MaxCommandLength, 2000)
	p.MaxCommandOutputBytes = min(p.MaxCommandOutputBytes, 50_000)
	p.MaxFileReadBytes = minInt64(p.MaxFileReadBytes, 1<<20)
	p.MaxFileWriteBytes = minInt64(p.MaxFileWriteBytes, 1<<20)
	p.AllowCommandNewlines = false
	p.BashTimeoutMs = min(p.BashTimeoutMs, 20_000)
	p.EnforceRegularFiles = true
	if p.OSSandboxMode == WrapOff {
		p.OSSandboxMode = WrapForce
	}
	p.ToolRateLimitMaxRequests = min(p.ToolRateLimitMaxRequests, 10)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// ExtensionOverrideFunc evaluates step 6, evaluate_extension_policy_override.
// A non-nil error means "deny", and the gate fails closed if the hook
// itself errors.
type ExtensionOverrideFunc func(ctx context.Context, toolName, command, cwd string) error

// GateDecision is one denial/acceptance outcome from the gate,
// recorded for tool_policy_to_json / tool_policy_trace.
type GateDecision struct {
	Step    int
	Allowed bool
	Reason  string
}

// Gate is the deterministic execution-time pipeline wrapping bash and
// file-tool invocations.
type Gate struct {
	policy Policy

	mu       sync.Mutex
	limiter  *rate.Limiter
	wrapper  *sandbox.CommandWrapper
	override ExtensionOverrideFunc
}

// NewGate builds a Gate from policy, wiring the rate limiter and the
// os_sandbox_command wrapper.
func NewGate(policy Policy) *Gate {
	var limiter *rate.Limiter
	if policy.ToolRateLimitMaxRequests > 0 && policy.ToolRateLimitWindowMs > 0 {
		windowSec := float64(policy.ToolRateLimitWindowMs) / 1000.0
		limiter = rate.NewLimiter(rate.Limit(float64(policy.ToolRateLimitMaxRequests)/windowSec), policy.ToolRateLimitMaxRequests)
	}
	return &Gate{
		policy: policy,
		limiter: limiter,
		wrapper: &sandbox.CommandWrapper{Command: policy.OSSandboxCommand},
	}
}

// SetExtensionOverride installs the step-6 hook (wired by
// internal/extensions once the manifest for PolicyOverride is loaded).
func (g *Gate) SetExtensionOverride(fn ExtensionOverrideFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.override = fn
}

// CheckPath implements step 1 for read/write/edit/http target paths:
// the resolved path must canonicalize under at least one allowed root.
func (g *Gate) CheckPath(resolved string) error {
	if len(g.policy.AllowedRoots) == 0 {
		return nil
	}
	for _, root := range g.policy.AllowedRoots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if isPathInside(resolved, absRoot) {
			return nil
		}
	}
	return fmt.Errorf("policy denied: path %s is outside allowed_roots", resolved)
}

// CheckRegularFile implements the enforce_regular_files half of step 1.
func (g *Gate) CheckRegularFile(path string) error {
	if !g.policy.EnforceRegularFiles {
		return nil
	}
	info, err := os.Lstat(path)
	if err != nil {
		return nil // nonexistent — handled by the caller's own os-level error
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("policy denied: symlink targets are rejected (enforce_regular_files)")
	}
	if !info.Mode().IsRegular() && !info.IsDir() {
		return fmt.Errorf("policy denied: non-regular file rejected (enforce_regular_files)")
	}
	return nil
}

// TruncateOutput implements step 2's head+tail elision for command
// stdout/stderr exceeding max_command_output_bytes.
func TruncateOutput(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	head := max / 2
	tail := max - head
	marker := "\n...[elided]...\n"
	return s[:head] + marker + s[len(s)-tail:]
}

// firstToken performs shell-aware splitting sufficient to extract the
// first command token for the allowlist check (step 4): it trims
// leading whitespace, env assignments (VAR=val), and stops at the
// first unquoted whitespace.
func firstToken(command string) string {
	fields := strings.Fields(command)
	for _, f := range fields {
		if strings.Contains(f, "=") && !strings.HasPrefix(f, "/") && !strings.HasPrefix(f, "./") {
			eq := strings.Index(f, "=")
			if eq > 0 && isIdentifier(f[:eq]) {
				continue // VAR=val prefix assignment
			}
		}
		return f
	}
	return ""
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') {
			continue
		}
		if i > 0 && r >= '0' && r <= '9' {
			continue
		}
		return false
	}
	return true
}

func matchesAllowlist(token string, allowed []string) bool {
	for _, a := range allowed {
		if strings.HasSuffix(a, "*") {
			if strings.HasPrefix(token, strings.TrimSuffix(a, "*")) {
				return true
			}
			continue
		}
		if token == a {
			return true
		}
	}
	return false
}

// CheckBash runs steps 2-7 of the gate against a bash invocation
// (path/size checks for bash are limited to command length; file-tool
// size checks go through CheckPath/file-size helpers instead). It
// returns the command to actually execute (unchanged, or dry-run
// short-circuited) and a GateDecision trail.
func (g *Gate) CheckBash(ctx context.Context, toolName, command, cwd string) (decisions []GateDecision, dryRun bool, err error) {
	// Step 2: command length.
	if g.policy.MaxCommandLength > 0 && len(command) > g.policy.MaxCommandLength {
		d := GateDecision{Step: 2, Allowed: false, Reason: "command_too_long"}
		return append(decisions, d), false, fmt.Errorf("policy denied: command exceeds max_command_length (%d > %d)", len(command), g.policy.MaxCommandLength)
	}
	decisions = append(decisions, GateDecision{Step: 2, Allowed: true})

	// Step 3: newlines.
	if strings.Contains(command, "\n") && !g.policy.AllowCommandNewlines {
		d := GateDecision{Step: 3, Allowed: false, Reason: "newlines_denied"}
		return append(decisions, d), false, fmt.Errorf("policy denied: command contains newlines and allow_command_newlines is false")
	}
	decisions = append(decisions, GateDecision{Step: 3, Allowed: true})

	// Step 4: allowlist (Balanced/Strict only).
	if g.policy.BashProfile == ProfileBalanced || g.policy.BashProfile == ProfileStrict {
		token := firstToken(command)
		if !matchesAllowlist(token, g.policy.AllowedCommands) {
			d := GateDecision{Step: 4, Allowed: false, Reason: "not_allowlisted"}
			return append(decisions, d), false, fmt.Errorf("policy denied: command %q is not in allowed_commands under %s profile", token, g.policy.BashProfile)
		}
	}
	decisions = append(decisions, GateDecision{Step: 4, Allowed: true})

	// Step 5: rate limit.
	if g.limiter != nil && !g.limiter.Allow() {
		d := GateDecision{Step: 5, Allowed: false, Reason: "rate_limited"}
		return append(decisions, d), false, fmt.Errorf("rate_limited")
	}
	decisions = append(decisions, GateDecision{Step: 5, Allowed: true})

	// Step 6: extension policy override.
	g.mu.Lock()
	override := g.override
	g.mu.Unlock()
	if override != nil && g.policy.ExtensionPolicyOverrideRoot != "" {
		if err := override(ctx, toolName, command, cwd); err != nil {
			d := GateDecision{Step: 6, Allowed: false, Reason: "extension_policy_denied: " + err.Error()}
			return append(decisions, d), false, fmt.Errorf("extension_policy_denied_by %v", err)
		}
	}
	decisions = append(decisions, GateDecision{Step: 6, Allowed: true})

	// Step 7: dry run.
	if g.policy.BashDryRun {
		decisions = append(decisions, GateDecision{Step: 7, Allowed: true, Reason: "dry_run"})
		return decisions, true, nil
	}
	decisions = append(decisions, GateDecision{Step: 7, Allowed: true})

	return decisions, false, nil
}

// WrapForHostExec implements step 8 for host (non-Docker-sandbox)
// execution: if os_sandbox_mode is Auto or Force, the argv is wrapped
// via os_sandbox_command tokens. Auto falls back to the unwrapped argv
// if the launcher is unavailable; Force fails closed.
func (g *Gate) WrapForHostExec(command, cwd string) (shell string, args []string, err error) {
	switch g.policy.OSSandboxMode {
	case WrapOff, "":
		return "sh", []string{"-c", command}, nil
	case WrapAuto:
		if !g.wrapper.Available() {
			return "sh", []string{"-c", command}, nil
		}
		wrapped := g.wrapper.Wrap(command, cwd)
		return wrapped[0], wrapped[1:], nil
	case WrapForce:
		if !g.wrapper.Available() {
			return "", nil, fmt.Errorf("policy denied: os_sandbox_mode=Force but launcher unavailable")
		}
		wrapped := g.wrapper.Wrap(command, cwd)
		return wrapped[0], wrapped[1:], nil
	default:
		return "sh", []string{"-c", command}, nil
	}
}

// BashTimeout returns the configured timeout, defaulting when unset.
func (g *Gate) BashTimeout() time.Duration {
	if g.policy.BashTimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(g.policy.BashTimeoutMs) * time.Millisecond
}

// ToJSON renders tool_policy_to_json's stable, schema-versioned
// effective-policy document for doctor/audit surfaces.
func (g *Gate) ToJSON() map[string]interface{} {
	p := g.policy
	return map[string]interface{}{
		"schema_version":               1,
		"allowed_roots":                p.AllowedRoots,
		"allowed_commands":             p.AllowedCommands,
		"bash_profile":                 string(p.BashProfile),
		"policy_preset":                string(p.PolicyPreset),
		"max_command_length":           p.MaxCommandLength,
		"max_command_output_bytes":     p.MaxCommandOutputBytes,
		"max_file_read_bytes":          p.MaxFileReadBytes,
		"max_file_write_bytes":         p.MaxFileWriteBytes,
		"allow_command_newlines":       p.AllowCommandNewlines,
		"bash_timeout_ms":              p.BashTimeoutMs,
		"os_sandbox_mode":              string(p.OSSandboxMode),
		"os_sandbox_command":           p.OSSandboxCommand,
		"enforce_regular_files":        p.EnforceRegularFiles,
		"tool_rate_limit_max_requests": p.ToolRateLimitMaxRequests,
		"tool_rate_limit_window_ms":    p.ToolRateLimitWindowMs,
		"bash_dry_run":                 p.BashDryRun,
		"tool_policy_trace":            p.ToolPolicyTrace,
		"extension_policy_override_root": p.ExtensionPolicyOverrideRoot,
		"http": map[string]interface{}{
			"timeout_ms":            p.HTTPTimeoutMs,
			"max_response_bytes":    p.HTTPMaxResponseBytes,
			"max_redirects":         p.HTTPMaxRedirects,
			"allow_http":            p.HTTPAllowHTTP,
			"allow_private_network": p.HTTPAllowPrivateNetwork,
		},
	}
}
