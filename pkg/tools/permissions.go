package tools

import (
	"context"
	"path/filepath"
	"strings"
	"sync"

	"github.com/swarmgate/swarmgate/pkg/config"
)

// Decision is the approval handler's answer for one dangerous call.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionBlock           Decision = "block"
	DecisionAlwaysAllowTool Decision = "always-allow-tool"
	DecisionAlwaysAllowAll  Decision = "always-allow-all"
)

// ApprovalHandler resolves calls the permission state cannot decide alone.
// Blocking is expected: an interactive handler waits for the human.
type ApprovalHandler func(ctx context.Context, toolName string, arguments map[string]interface{}) Decision

// dangerousTable marks (tool, action) pairs that always need approval.
// An entry of "*" covers every action of that tool.
var dangerousTable = map[string][]string{
	"run_command": {"*"},
	"file":        {"write", "append", "delete", "move"},
	"browser":     {"execute_script"},
	"git":         {"push", "reset", "force_push"},
}

// Verdict is the permission gate's outcome before any approval handler runs.
type Verdict int

const (
	VerdictDenied Verdict = iota
	VerdictAllowed
	VerdictNeedsApproval
)

// PermissionManager holds the accept-all flag and the always-allow /
// always-deny sets, with a safe-path whitelist that exempts agent-internal
// file writes from prompting.
type PermissionManager struct {
	mu          sync.RWMutex
	acceptAll   bool
	alwaysAllow map[string]bool
	alwaysDeny  map[string]bool
	safePaths   []string
}

func NewPermissionManager(cfg config.PermissionsConfig) *PermissionManager {
	pm := &PermissionManager{
		acceptAll:   cfg.AcceptAll,
		alwaysAllow: make(map[string]bool),
		alwaysDeny:  make(map[string]bool),
		safePaths:   cfg.SafePaths,
	}
	for _, name := range cfg.AlwaysAllow {
		pm.alwaysAllow[name] = true
	}
	for _, name := range cfg.AlwaysDeny {
		pm.alwaysDeny[name] = true
	}
	if len(pm.safePaths) == 0 {
		pm.safePaths = []string{"ai/"}
	}
	return pm
}

// Check resolves the permission state for one call without consulting the
// approval handler.
func (pm *PermissionManager) Check(toolName string, arguments map[string]interface{}) Verdict {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if pm.alwaysDeny[toolName] {
		return VerdictDenied
	}
	if pm.isDangerous(toolName, arguments) {
		return VerdictNeedsApproval
	}
	if pm.alwaysAllow[toolName] || pm.acceptAll {
		return VerdictAllowed
	}
	return VerdictNeedsApproval
}

// AutoApproved reports whether the call would pass without invoking the
// approval handler. Parallel dispatch requires this for every call.
func (pm *PermissionManager) AutoApproved(toolName string, arguments map[string]interface{}) bool {
	return pm.Check(toolName, arguments) == VerdictAllowed
}

// Apply records an approval decision's lasting effects.
func (pm *PermissionManager) Apply(toolName string, decision Decision) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	switch decision {
	case DecisionAlwaysAllowTool:
		pm.alwaysAllow[toolName] = true
	case DecisionAlwaysAllowAll:
		pm.acceptAll = true
	}
}

func (pm *PermissionManager) isDangerous(toolName string, arguments map[string]interface{}) bool {
	actions, ok := dangerousTable[toolName]
	if !ok {
		return false
	}

	action, _ := arguments["action"].(string)

	matched := false
	for _, a := range actions {
		if a == "*" || a == action {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	// File writes under the safe-path whitelist never prompt: those are the
	// gateway's own working files.
	if toolName == "file" {
		if path, ok := arguments["path"].(string); ok && pm.isSafePath(path) {
			return false
		}
	}
	return true
}

func (pm *PermissionManager) isSafePath(path string) bool {
	clean := filepath.ToSlash(filepath.Clean(path))
	for _, prefix := range pm.safePaths {
		p := strings.TrimSuffix(filepath.ToSlash(prefix), "/")
		if clean == p || strings.HasPrefix(clean, p+"/") {
			return true
		}
	}
	return false
}
