package tools

import (
	"testing"

	"github.com/swarmgate/swarmgate/pkg/config"
)

func TestCheckVerdicts(t *testing.T) {
	pm := NewPermissionManager(config.PermissionsConfig{
		AcceptAll:  true,
		AlwaysDeny: []string{"rm_rf"},
	})

	tests := []struct {
		name string
		tool string
		args map[string]interface{}
		want Verdict
	}{
		{"always-deny wins over accept-all", "rm_rf", nil, VerdictDenied},
		{"run_command is always dangerous", "run_command", map[string]interface{}{"command": "ls"}, VerdictNeedsApproval},
		{"file read is harmless", "file", map[string]interface{}{"action": "read", "path": "src/a.go"}, VerdictAllowed},
		{"file write outside safe paths", "file", map[string]interface{}{"action": "write", "path": "src/a.go"}, VerdictNeedsApproval},
		{"file write under ai/ is exempt", "file", map[string]interface{}{"action": "write", "path": "ai/notes.md"}, VerdictAllowed},
		{"path traversal does not fool the whitelist", "file", map[string]interface{}{"action": "write", "path": "ai/../src/a.go"}, VerdictNeedsApproval},
		{"normalized traversal stays inside ai/", "file", map[string]interface{}{"action": "write", "path": "ai/sub/../todo.md"}, VerdictAllowed},
		{"git push needs approval", "git", map[string]interface{}{"action": "push"}, VerdictNeedsApproval},
		{"git status does not", "git", map[string]interface{}{"action": "status"}, VerdictAllowed},
		{"browser execute_script needs approval", "browser", map[string]interface{}{"action": "execute_script"}, VerdictNeedsApproval},
		{"browser click does not", "browser", map[string]interface{}{"action": "click"}, VerdictAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pm.Check(tt.tool, tt.args); got != tt.want {
				t.Errorf("Check(%s) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestCheckWithoutAcceptAll(t *testing.T) {
	pm := NewPermissionManager(config.PermissionsConfig{
		AlwaysAllow: []string{"web_search"},
	})

	if got := pm.Check("web_search", nil); got != VerdictAllowed {
		t.Errorf("always-allow tool = %v, want allowed", got)
	}
	if got := pm.Check("lookup", nil); got != VerdictNeedsApproval {
		t.Errorf("unlisted tool = %v, want needs-approval", got)
	}
}

func TestApplyDecisions(t *testing.T) {
	pm := NewPermissionManager(config.PermissionsConfig{})

	pm.Apply("deploy", DecisionAlwaysAllowTool)
	if got := pm.Check("deploy", nil); got != VerdictAllowed {
		t.Errorf("after always-allow-tool, Check = %v", got)
	}
	if got := pm.Check("other", nil); got != VerdictNeedsApproval {
		t.Errorf("unrelated tool = %v, want needs-approval", got)
	}

	pm.Apply("other", DecisionAlwaysAllowAll)
	if got := pm.Check("anything", nil); got != VerdictAllowed {
		t.Errorf("after always-allow-all, Check = %v", got)
	}
	// Dangerous calls keep prompting even under accept-all.
	if got := pm.Check("run_command", nil); got != VerdictNeedsApproval {
		t.Errorf("run_command after always-allow-all = %v", got)
	}
}

func TestCustomSafePaths(t *testing.T) {
	pm := NewPermissionManager(config.PermissionsConfig{
		AcceptAll: true,
		SafePaths: []string{"workspace/"},
	})

	write := func(path string) Verdict {
		return pm.Check("file", map[string]interface{}{"action": "write", "path": path})
	}
	if write("workspace/out.txt") != VerdictAllowed {
		t.Error("configured safe path not honored")
	}
	// The built-in ai/ default applies only when no safe paths are configured.
	if write("ai/notes.md") != VerdictNeedsApproval {
		t.Error("ai/ should not be safe once safe_paths is set")
	}
}

func TestAutoApproved(t *testing.T) {
	pm := NewPermissionManager(config.PermissionsConfig{AcceptAll: true})

	if !pm.AutoApproved("lookup", nil) {
		t.Error("harmless call should auto-approve")
	}
	if pm.AutoApproved("run_command", map[string]interface{}{"command": "ls"}) {
		t.Error("dangerous call must not auto-approve")
	}
}
