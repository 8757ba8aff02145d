// Package policy evaluates agent-initiated tool calls against an ordered
// rule list. First match wins; no match means deny.
package policy

import (
	"fmt"
	"log"
	"path/filepath"
	"regexp"
	"strings"
)

// Action is the outcome of a rule match.
type Action string

const (
	Allow Action = "allow"
	Deny  Action = "deny"
	Ask   Action = "ask"
)

// PermissionContext carries one tool call under evaluation.
type PermissionContext struct {
	ToolName    string
	ToolTitle   string
	Args        map[string]any
	ProjectRoot string
}

// PermissionResult is the decision for a PermissionContext.
type PermissionResult struct {
	Action Action
	Rule   string
	Reason string
}

// ArgPredicate inspects the tool arguments; returning false passes evaluation
// to the next rule.
type ArgPredicate func(args map[string]any) bool

// Rule is one entry in the evaluation order.
type Rule struct {
	Name            string
	ToolPattern     string
	Action          Action
	AllowedDirs     []string
	BlockedPatterns []*regexp.Regexp
	ArgPredicate    ArgPredicate
	LogMessage      string
}

// Engine holds the ordered rule list. Custom rules run before the built-ins.
type Engine struct {
	rules  []Rule
	logger *log.Logger
}

// pathArgKeys are the argument names recognized as carrying a file path.
var pathArgKeys = []string{"file_path", "path", "filePath"}

var secretPathPatterns = compilePatterns(
	`\.env$`,
	`\.ssh/`,
	`\.aws/`,
	`\.docker/`,
	`id_rsa`,
	`id_ed25519`,
	`\.pem$`,
	`\.key$`,
	`secrets?\.`,
	`password`,
	`token`,
)

var systemPathPatterns = compilePatterns(
	`^/etc/`,
	`^/usr/bin/`,
	`^/bin/`,
)

func compilePatterns(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// New builds an engine with custom rules (evaluated first) followed by the
// built-in rule set. extraReadDirs widens the read allowlist beyond the
// workspace and /tmp.
func New(custom []Rule, extraReadDirs []string, logger *log.Logger) *Engine {
	rules := make([]Rule, 0, len(custom)+16)
	rules = append(rules, custom...)
	rules = append(rules, builtinRules(extraReadDirs)...)
	return &Engine{rules: rules, logger: logger}
}

// Evaluate returns the first matching rule's action, or deny when nothing
// matches. Panics inside predicates or path handling are converted to deny.
func (e *Engine) Evaluate(ctx PermissionContext) (result PermissionResult) {
	defer func() {
		if r := recover(); r != nil {
			result = PermissionResult{
				Action: Deny,
				Reason: fmt.Sprintf("policy evaluation error: %v", r),
			}
			e.logf("policy panic on %s: %v", ctx.ToolName, r)
		}
	}()

	for _, rule := range e.rules {
		if !matchTool(rule.ToolPattern, ctx.ToolName) {
			continue
		}
		if rule.ArgPredicate != nil && !rule.ArgPredicate(ctx.Args) {
			continue
		}
		if len(rule.AllowedDirs) > 0 || len(rule.BlockedPatterns) > 0 {
			path, ok := extractPath(ctx.Args)
			if ok {
				normalized := normalizePath(path, ctx.ProjectRoot)
				for _, pat := range rule.BlockedPatterns {
					if pat.MatchString(normalized) || pat.MatchString(path) {
						reason := fmt.Sprintf("path %s matches blocked pattern %s", path, pat)
						e.logDecision(rule, ctx, Deny, reason)
						return PermissionResult{Action: Deny, Rule: rule.Name, Reason: reason}
					}
				}
				if len(rule.AllowedDirs) > 0 && !underAnyDir(normalized, rule.AllowedDirs, ctx.ProjectRoot) {
					reason := fmt.Sprintf("path %s outside allowed directories", path)
					e.logDecision(rule, ctx, Deny, reason)
					return PermissionResult{Action: Deny, Rule: rule.Name, Reason: reason}
				}
			}
		}
		reason := rule.LogMessage
		if reason == "" {
			reason = fmt.Sprintf("matched rule %s", rule.Name)
		}
		e.logDecision(rule, ctx, rule.Action, reason)
		return PermissionResult{Action: rule.Action, Rule: rule.Name, Reason: reason}
	}

	e.logf("policy: no rule matched tool %s, denying", ctx.ToolName)
	return PermissionResult{Action: Deny, Reason: "no rule matched"}
}

func (e *Engine) logDecision(rule Rule, ctx PermissionContext, action Action, reason string) {
	e.logf("policy: %s tool=%s rule=%s: %s", action, ctx.ToolName, rule.Name, reason)
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

// matchTool matches a tool name against a rule pattern: literal equality, or
// a fully-anchored regex with * standing for ".*".
func matchTool(pattern, tool string) bool {
	if pattern == tool {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(tool)
}

func extractPath(args map[string]any) (string, bool) {
	for _, key := range pathArgKeys {
		if v, ok := args[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func normalizePath(path, projectRoot string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(projectRoot, path))
}

func underAnyDir(path string, dirs []string, projectRoot string) bool {
	for _, dir := range dirs {
		abs := dir
		if dir == "${workspace}" {
			abs = projectRoot
		}
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(projectRoot, abs)
		}
		abs = filepath.Clean(abs)
		rel, err := filepath.Rel(abs, path)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return true
		}
	}
	return false
}

func commandArg(args map[string]any) string {
	if v, ok := args["command"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// splitSegments breaks a shell command line on |, ; and & so flag inspection
// sees each simple command in isolation.
func splitSegments(command string) []string {
	return strings.FieldsFunc(command, func(r rune) bool {
		return r == '|' || r == ';' || r == '&'
	})
}

// rmRecursiveForce reports whether any rm segment carries both the recursive
// and the force flag, via long forms or any short-flag cluster.
func rmRecursiveForce(command string) bool {
	for _, seg := range splitSegments(command) {
		fields := strings.Fields(seg)
		if len(fields) == 0 || filepath.Base(fields[0]) != "rm" {
			continue
		}
		recursive, force := false, false
		for _, f := range fields[1:] {
			switch {
			case f == "--recursive":
				recursive = true
			case f == "--force":
				force = true
			case strings.HasPrefix(f, "--"):
				// other long flag
			case strings.HasPrefix(f, "-") && len(f) > 1:
				if strings.ContainsAny(f[1:], "rR") {
					recursive = true
				}
				if strings.ContainsAny(f[1:], "fF") {
					force = true
				}
			}
		}
		if recursive && force {
			return true
		}
	}
	return false
}

var (
	forcePushRe  = regexp.MustCompile(`git\s+push\b.*(\s--force\b|\s-f\b)`)
	resetHardRe  = regexp.MustCompile(`git\s+reset\s+--hard\b`)
	ddDeviceRe   = regexp.MustCompile(`\bdd\b.*\bof=(/dev/|/disk)`)
	dropTableRe  = regexp.MustCompile(`(?i)\bDROP\s+TABLE\b`)
	deleteFromRe = regexp.MustCompile(`(?i)\bDELETE\s+FROM\s+\S+`)
	whereRe      = regexp.MustCompile(`(?i)\bWHERE\b`)
	powerOffRe   = regexp.MustCompile(`(^|[\s;|&])(shutdown|reboot|halt|poweroff)\b`)
	gitSafeRe    = regexp.MustCompile(`^\s*git\s+(status|diff|log|show|add|commit)\b`)
)

func anyArgMatches(args map[string]any, re *regexp.Regexp) bool {
	for _, v := range args {
		if s, ok := v.(string); ok && re.MatchString(s) {
			return true
		}
	}
	return false
}

func builtinRules(extraReadDirs []string) []Rule {
	readDirs := append([]string{"${workspace}", "/tmp"}, extraReadDirs...)

	return []Rule{
		{
			Name:        "deny-git-force-push",
			ToolPattern: "*",
			Action:      Deny,
			ArgPredicate: func(args map[string]any) bool {
				return forcePushRe.MatchString(commandArg(args))
			},
			LogMessage: "Blocked force push",
		},
		{
			Name:        "deny-git-reset-hard",
			ToolPattern: "*",
			Action:      Deny,
			ArgPredicate: func(args map[string]any) bool {
				return resetHardRe.MatchString(commandArg(args))
			},
			LogMessage: "Blocked hard reset",
		},
		{
			Name:        "deny-rm-recursive-force",
			ToolPattern: "*",
			Action:      Deny,
			ArgPredicate: func(args map[string]any) bool {
				return rmRecursiveForce(commandArg(args))
			},
			LogMessage: "Blocked recursive delete",
		},
		{
			Name:        "deny-dd-device",
			ToolPattern: "*",
			Action:      Deny,
			ArgPredicate: func(args map[string]any) bool {
				return ddDeviceRe.MatchString(commandArg(args))
			},
			LogMessage: "Blocked raw device write",
		},
		{
			Name:        "deny-sql-drop-table",
			ToolPattern: "*",
			Action:      Deny,
			ArgPredicate: func(args map[string]any) bool {
				return anyArgMatches(args, dropTableRe)
			},
			LogMessage: "Blocked DROP TABLE",
		},
		{
			Name:        "deny-sql-delete-without-where",
			ToolPattern: "*",
			Action:      Deny,
			ArgPredicate: func(args map[string]any) bool {
				for _, v := range args {
					s, ok := v.(string)
					if !ok {
						continue
					}
					if deleteFromRe.MatchString(s) && !whereRe.MatchString(s) {
						return true
					}
				}
				return false
			},
			LogMessage: "Blocked unfiltered DELETE",
		},
		{
			Name:        "deny-poweroff",
			ToolPattern: "*",
			Action:      Deny,
			ArgPredicate: func(args map[string]any) bool {
				return powerOffRe.MatchString(commandArg(args))
			},
			LogMessage: "Blocked host power command",
		},
		{
			Name:        "allow-git-safe",
			ToolPattern: "Bash",
			Action:      Allow,
			ArgPredicate: func(args map[string]any) bool {
				return gitSafeRe.MatchString(commandArg(args))
			},
			LogMessage: "Safe git command",
		},
		{
			Name:            "allow-file-read",
			ToolPattern:     "Read",
			Action:          Allow,
			AllowedDirs:     readDirs,
			BlockedPatterns: secretPathPatterns,
			LogMessage:      "File read in allowed directory",
		},
		{
			Name:            "allow-file-write",
			ToolPattern:     "Write",
			Action:          Allow,
			BlockedPatterns: append(append([]*regexp.Regexp{}, secretPathPatterns...), systemPathPatterns...),
			LogMessage:      "File write outside protected paths",
		},
		{
			Name:            "allow-file-edit",
			ToolPattern:     "Edit",
			Action:          Allow,
			BlockedPatterns: append(append([]*regexp.Regexp{}, secretPathPatterns...), systemPathPatterns...),
			LogMessage:      "File edit outside protected paths",
		},
		{
			Name:        "ask-bash",
			ToolPattern: "Bash",
			Action:      Ask,
			LogMessage:  "Shell command needs approval",
		},
		{
			Name:        "ask-fetch",
			ToolPattern: "FetchURL",
			Action:      Ask,
			LogMessage:  "URL fetch needs approval",
		},
		{
			Name:        "ask-websearch",
			ToolPattern: "WebSearch",
			Action:      Ask,
			LogMessage:  "Web search needs approval",
		},
	}
}
