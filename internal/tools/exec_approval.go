package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecSecurity is the coarse exec-approval posture, matching
// config.ExecApprovalCfg.Security's vocabulary exactly since
// cmd/gateway.go converts the config string directly via
// tools.ExecSecurity(cfg.Security) with no translation layer.
type ExecSecurity string

const (
	ExecSecurityDeny      ExecSecurity = "deny"      // deny everything outside the allowlist
	ExecSecurityAllowlist ExecSecurity = "allowlist" // allow safe bins + allowlist, ask otherwise
	ExecSecurityFull      ExecSecurity = "full"      // allow everything except deny patterns
)

// ExecAskMode controls whether "ask" tier commands actually prompt a
// human or are auto-denied (headless/cron contexts have nobody to
// ask), matching config.ExecApprovalCfg.Ask's vocabulary exactly.
type ExecAskMode string

const (
	ExecAskOff     ExecAskMode = "off"     // treat "ask" as "deny"
	ExecAskOnMiss  ExecAskMode = "on-miss" // ask only for commands outside the safe-bin set
	ExecAskAlways  ExecAskMode = "always"  // ask for every non-allowlisted command
)

var defaultSafeBins = []string{
	"ls", "cat", "head", "tail", "grep", "find", "wc", "echo", "pwd", "date",
	"git", "go", "npm", "node", "python", "python3", "pip", "make", "diff",
}

// ExecApprovalConfig is the Standard/Strict gate that layers on top of
// the Tool Policy allowlist for operator-facing confirmation prompts.
type ExecApprovalConfig struct {
	Security  ExecSecurity
	Ask       ExecAskMode
	Allowlist []string
	SafeBins  []string
}

func DefaultExecApprovalConfig() ExecApprovalConfig {
	return ExecApprovalConfig{
		Security: ExecSecurityAllowlist,
		Ask:      ExecAskOnMiss,
		SafeBins: defaultSafeBins,
	}
}

// ApprovalDecision is the outcome of a human-mediated approval request.
type ApprovalDecision string

const (
	ApprovalAllow ApprovalDecision = "allow"
	ApprovalDeny  ApprovalDecision = "deny"
)

// ApprovalRequestFunc surfaces a pending command to a human (via
// whichever channel/command-surface is active) and blocks for their
// decision or ctx cancellation; wired by internal/commands once the
// session's /approve and /deny commands exist.
type ApprovalRequestFunc func(ctx context.Context, requestID, command, agentID string) (ApprovalDecision, error)

// ApprovalAware is implemented by tools whose execution needs human
// confirmation on the "ask" tier, matching ExecTool.SetApprovalManager.
type ApprovalAware interface {
	SetApprovalManager(mgr *ExecApprovalManager, agentID string)
}

// ExecApprovalManager classifies commands into allow/ask/deny and
// brokers "ask" tier requests to an installed ApprovalRequestFunc.
type ExecApprovalManager struct {
	cfg ExecApprovalConfig

	mu        sync.RWMutex
	requestFn ApprovalRequestFunc
}

func NewExecApprovalManager(cfg ExecApprovalConfig) *ExecApprovalManager {
	return &ExecApprovalManager{cfg: cfg}
}

// SetRequestHandler installs the human-approval channel. Until one is
// set, "ask" tier commands resolve to deny (fail closed).
func (m *ExecApprovalManager) SetRequestHandler(fn ApprovalRequestFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestFn = fn
}

// CheckCommand classifies command as "allow", "ask", or "deny".
func (m *ExecApprovalManager) CheckCommand(command string) string {
	token := firstToken(command)

	if matchesAllowlist(token, m.cfg.Allowlist) {
		return "allow"
	}

	switch m.cfg.Security {
	case ExecSecurityFull:
		return "allow"
	case ExecSecurityDeny:
		return "deny"
	default: // ExecSecurityAllowlist
	}

	isSafe := matchesAllowlist(token, m.cfg.SafeBins)
	switch m.cfg.Ask {
	case ExecAskOff:
		if isSafe {
			return "allow"
		}
		return "deny"
	case ExecAskAlways:
		if isSafe {
			return "allow"
		}
		return "ask"
	default: // ExecAskOnMiss
		if isSafe {
			return "allow"
		}
		return "ask"
	}
}

// RequestApproval blocks until a human approves/denies command, the
// timeout elapses (treated as deny), or no request handler is
// installed (deny — fail closed per the channel-less/headless case).
func (m *ExecApprovalManager) RequestApproval(command, agentID string, timeout time.Duration) (ApprovalDecision, error) {
	m.mu.RLock()
	fn := m.requestFn
	m.mu.RUnlock()
	if fn == nil {
		return ApprovalDeny, fmt.Errorf("no approval handler installed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	decision, err := fn(ctx, uuid.NewString(), command, agentID)
	if err != nil {
		return ApprovalDeny, err
	}
	return decision, nil
}
