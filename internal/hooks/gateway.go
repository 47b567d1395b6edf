package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/apex-daemon/apexd/internal/config"
	"github.com/apex-daemon/apexd/internal/core"
	"github.com/apex-daemon/apexd/internal/logging"
)

// pathKeys are the ToolCall.Input keys inspected for the sensitive-path
// audit rule; tools name the filesystem target differently depending on
// their shape (write vs. edit vs. patch-style tools).
var pathKeys = []string{"file_path", "path", "filePath", "target"}

// compiledRule is a CustomHookRule with its pattern pre-compiled once at
// registration time rather than on every matchCustom call.
type compiledRule struct {
	rule    core.CustomHookRule
	pattern *regexp.Regexp
}

// Gateway is the built-in HookGateway: a fixed dangerous/warn/audit rule set
// plus any custom rules registered at runtime, evaluated against every tool
// call an agent makes.
type Gateway struct {
	logger  *logging.Logger
	timeout time.Duration

	mu      sync.RWMutex
	custom  []compiledRule
}

// NewGateway constructs a Gateway with the built-in rule set and the
// configured per-hook timeout.
func NewGateway(logger *logging.Logger, cfg config.HooksConfig) *Gateway {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gateway{logger: logger, timeout: timeout}
}

// RegisterHook compiles and stores a user-defined hook rule. Pattern is
// matched as a regex against the JSON-serialized tool input (or, for
// PostToolUse, the stringified result).
func (g *Gateway) RegisterHook(rule core.CustomHookRule) error {
	var pattern *regexp.Regexp
	if rule.Pattern != "" {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return core.ErrConfiguration("HOOK_PATTERN_INVALID", fmt.Sprintf("compiling hook pattern %q: %v", rule.Pattern, err))
		}
		pattern = re
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.custom = append(g.custom, compiledRule{rule: rule, pattern: pattern})
	return nil
}

// PreToolUse runs the built-in dangerous/warn/audit rules followed by any
// custom rules matching call.Tool, and returns the strictest verdict: deny
// beats warn beats allow, regardless of which rule produced it. A custom
// pattern that runs past the configured hook timeout (a pathological regex,
// most likely) is treated as a deny rather than left to block the stage.
func (g *Gateway) PreToolUse(ctx context.Context, taskID core.TaskID, call core.ToolCall) core.HookVerdict {
	serialized := serializeInput(call.Input)

	verdict, ok := g.withTimeout(ctx, func() core.HookVerdict {
		v := core.HookVerdict{Decision: core.HookAllow}

		if re, matched := anyMatch(dangerousPatterns, serialized); matched {
			v = core.HookVerdict{Decision: core.HookDeny, Reason: "matched dangerous pattern: " + re.String()}
		}

		if v.Decision != core.HookDeny {
			if re, matched := anyMatch(warnPatterns, serialized); matched {
				v = core.HookVerdict{Decision: core.HookWarn, Reason: "matched risky pattern: " + re.String()}
			}
		}

		if v.Decision == core.HookAllow {
			if path, matched := sensitivePath(call.Input); matched {
				v = core.HookVerdict{Decision: core.HookWarn, Reason: "write touches sensitive path: " + path}
			}
		}

		if custom, matched := g.matchCustom(call.Tool, serialized); matched {
			v = strictest(v, custom)
		}
		return v
	})
	if !ok {
		verdict = core.HookVerdict{Decision: core.HookDeny, Reason: "hook evaluation exceeded timeout"}
	}

	g.logDecision(taskID, call, verdict)
	return verdict
}

// PostToolUse runs custom rules against the tool's result and logs the
// outcome at debug severity; the built-in rule set has nothing further to
// say once a call has already executed.
func (g *Gateway) PostToolUse(ctx context.Context, taskID core.TaskID, call core.ToolCall, result string) core.HookVerdict {
	verdict, ok := g.withTimeout(ctx, func() core.HookVerdict {
		v := core.HookVerdict{Decision: core.HookAllow}
		if custom, matched := g.matchCustom(call.Tool, result); matched {
			v = custom
		}
		return v
	})
	if !ok {
		verdict = core.HookVerdict{Decision: core.HookWarn, Reason: "hook evaluation exceeded timeout"}
	}

	g.logger.Debug("post_tool_use", "task_id", taskID, "tool", call.Tool, "result", truncate(result, 200), "decision", string(verdict.Decision))
	return verdict
}

// withTimeout runs eval in a goroutine and returns its result, or
// (zero-value, false) if it doesn't finish within g.timeout or ctx is
// cancelled first.
func (g *Gateway) withTimeout(ctx context.Context, eval func() core.HookVerdict) (core.HookVerdict, bool) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan core.HookVerdict, 1)
	go func() { done <- eval() }()

	select {
	case v := <-done:
		return v, true
	case <-ctx.Done():
		return core.HookVerdict{}, false
	}
}

func (g *Gateway) matchCustom(tool, serialized string) (core.HookVerdict, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	matched := false
	verdict := core.HookVerdict{Decision: core.HookAllow}
	for _, c := range g.custom {
		if c.rule.Tool != "" && c.rule.Tool != tool {
			continue
		}
		if c.pattern != nil && !c.pattern.MatchString(serialized) {
			continue
		}
		candidate := core.HookVerdict{Decision: c.rule.Action, Reason: c.rule.Message}
		if !matched {
			verdict = candidate
			matched = true
			continue
		}
		verdict = strictest(verdict, candidate)
	}
	return verdict, matched
}

func (g *Gateway) logDecision(taskID core.TaskID, call core.ToolCall, verdict core.HookVerdict) {
	summary := truncate(serializeInput(call.Input), 200)
	switch verdict.Decision {
	case core.HookDeny:
		g.logger.Warn("pre_tool_use_denied", "task_id", taskID, "tool", call.Tool, "reason", verdict.Reason, "input", summary)
	case core.HookWarn:
		g.logger.Warn("pre_tool_use_warn", "task_id", taskID, "tool", call.Tool, "reason", verdict.Reason, "input", summary)
	default:
		g.logger.Debug("pre_tool_use", "task_id", taskID, "tool", call.Tool, "input", summary)
	}
}

// strictest returns whichever of a, b denies; failing that, whichever
// warns; only returns allow if both do.
func strictest(a, b core.HookVerdict) core.HookVerdict {
	if a.Decision == core.HookDeny {
		return a
	}
	if b.Decision == core.HookDeny {
		return b
	}
	if a.Decision == core.HookWarn {
		return a
	}
	if b.Decision == core.HookWarn {
		return b
	}
	return a
}

func sensitivePath(input map[string]interface{}) (string, bool) {
	for _, key := range pathKeys {
		v, ok := input[key]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		if _, matched := anyMatch(sensitivePathPatterns, s); matched {
			return s, true
		}
	}
	return "", false
}

func serializeInput(input map[string]interface{}) string {
	if input == nil {
		return ""
	}
	b, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ core.HookGateway = (*Gateway)(nil)
