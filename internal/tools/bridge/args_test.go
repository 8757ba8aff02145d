package bridge

import (
	"strings"
	"testing"
)

func TestRequireString(t *testing.T) {
	args := map[string]any{"agent": "droid", "empty": "", "num": 3.0}

	if v, err := requireString(args, "agent"); err != nil || v != "droid" {
		t.Errorf("got %q, %v", v, err)
	}
	for _, key := range []string{"empty", "missing", "num"} {
		if _, err := requireString(args, key); err == nil {
			t.Errorf("%s: expected error", key)
		}
	}
}

func TestOptionalHelpers(t *testing.T) {
	args := map[string]any{"wait": false, "timeout": 60.0, "model": "gpt"}

	if optionalBool(args, "wait", true) {
		t.Error("wait should be false")
	}
	if !optionalBool(args, "missing", true) {
		t.Error("fallback not applied")
	}
	if got := optionalInt(args, "timeout", 300); got != 60 {
		t.Errorf("timeout = %d", got)
	}
	if got := optionalInt(args, "missing", 300); got != 300 {
		t.Errorf("fallback = %d", got)
	}
	if got := optionalString(args, "model"); got != "gpt" {
		t.Errorf("model = %q", got)
	}
}

func TestRequireTaskID(t *testing.T) {
	valid := []string{
		"11112222-aaaa-bbbb-cccc-333344445555",
		"deadbeef",
		strings.Repeat("a", 36),
	}
	for _, id := range valid {
		if _, err := requireTaskID(map[string]any{"task_id": id}, "task_id"); err != nil {
			t.Errorf("%s rejected: %v", id, err)
		}
	}

	invalid := []string{
		"short",
		"UPPERCASE-00000000",
		"has spaces 123456",
		"../../../etc/passwd",
		strings.Repeat("a", 37),
		"zzzzzzzz",
	}
	for _, id := range invalid {
		if _, err := requireTaskID(map[string]any{"task_id": id}, "task_id"); err == nil {
			t.Errorf("%s accepted", id)
		}
	}
}

func TestParseSteps(t *testing.T) {
	steps, err := parseSteps([]any{
		map[string]any{"name": "a", "agent": "droid", "prompt": "p"},
		map[string]any{"name": "b", "agent": "codex", "prompt": "q", "depends_on": []any{"a"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 || steps[1].DependsOn[0] != "a" {
		t.Errorf("steps = %+v", steps)
	}

	bad := []any{
		nil,
		[]any{},
		[]any{"not an object"},
		[]any{map[string]any{"name": "a", "agent": "droid"}},
	}
	for i, raw := range bad {
		if _, err := parseSteps(raw); err == nil {
			t.Errorf("case %d accepted", i)
		}
	}
}
