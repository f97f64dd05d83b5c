package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/basket/taskchat/internal/ops"
	"github.com/basket/taskchat/internal/taskstore"
)

// RulesBackend is the deterministic fallback used when no model provider is
// configured. It understands short imperative phrasings and resolves task
// references against the recent tasks in the prompt.
type RulesBackend struct{}

func (RulesBackend) Name() string { return "rules" }

var (
	reAdd      = regexp.MustCompile(`^(?:please\s+)?(?:add|create|new)\s+(?:a\s+)?(?:new\s+)?(?:(high|medium|low)[- ]priority\s+)?(?:(?:task|todo|item)\s*)?(?:(?:to|called|named|for)\s+|:\s*)?(.+)$`)
	reRemind   = regexp.MustCompile(`^remind me to\s+(.+)$`)
	reList     = regexp.MustCompile(`^(?:please\s+)?(?:list|show|display|what are|what's on)\b(.*)$`)
	reComplete = regexp.MustCompile(`^(?:please\s+)?(?:complete|finish|mark|tick off|check off|i finished|i completed|done with)\s+(.+?)(?:\s+as\s+(?:done|complete|completed))?$`)
	reDelete   = regexp.MustCompile(`^(?:please\s+)?(?:delete|remove|drop|get rid of)\s+(.+)$`)
	reRename   = regexp.MustCompile(`^(?:rename|retitle)\s+(.+?)\s+to\s+(.+)$`)
	rePriority = regexp.MustCompile(`^(?:set|change|make)\s+(?:the\s+)?(?:priority\s+of\s+)?(.+?)(?:\s+priority)?\s+(?:to\s+)?(high|medium|low)(?:\s+priority)?$`)
	reTaskID   = regexp.MustCompile(`(?:task\s*#?|#)(\d+)`)
	rePriorTag = regexp.MustCompile(`\s*\((high|medium|low)(?: priority)?\)$`)
)

var fillerWords = map[string]bool{
	"my": true, "the": true, "a": true, "an": true, "task": true, "todo": true,
	"item": true, "about": true, "called": true, "named": true, "one": true,
}

func (RulesBackend) Complete(ctx context.Context, p Prompt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(p.Message), ".!?"))
	msg := strings.ToLower(raw)

	if m := reRename.FindStringSubmatch(msg); m != nil {
		return withTask(p.Tasks, m[1], func(id int64) string {
			title := original(raw, m[2])
			return operation(ops.KindUpdate, map[string]any{"task_id": id, "title": title}, fmt.Sprintf("Renamed task #%d.", id))
		}), nil
	}
	if m := rePriority.FindStringSubmatch(msg); m != nil {
		return withTask(p.Tasks, m[1], func(id int64) string {
			return operation(ops.KindUpdate, map[string]any{"task_id": id, "priority": m[2]}, fmt.Sprintf("Set task #%d to %s priority.", id, m[2]))
		}), nil
	}
	if m := reRemind.FindStringSubmatch(msg); m != nil {
		return addTask(original(raw, m[1]), ""), nil
	}
	if m := reAdd.FindStringSubmatch(msg); m != nil && strings.TrimSpace(m[2]) != "" {
		return addTask(original(raw, m[2]), m[1]), nil
	}
	if reList.MatchString(msg) && containsAny(msg, "task", "todo") {
		params := map[string]any{}
		switch {
		case containsAny(msg, "pending", "open", "outstanding", "remaining", "incomplete", "not done"):
			params["status"] = "pending"
		case containsAny(msg, "completed", "finished", "done"):
			params["status"] = "completed"
		}
		return operation(ops.KindList, params, "Here are your tasks."), nil
	}
	if m := reComplete.FindStringSubmatch(msg); m != nil {
		return withTask(p.Tasks, m[1], func(id int64) string {
			return operation(ops.KindComplete, map[string]any{"task_id": id, "completed": true}, fmt.Sprintf("Marked task #%d as done.", id))
		}), nil
	}
	if m := reDelete.FindStringSubmatch(msg); m != nil {
		return withTask(p.Tasks, m[1], func(id int64) string {
			return operation(ops.KindDelete, map[string]any{"task_id": id}, fmt.Sprintf("Deleting task #%d.", id))
		}), nil
	}
	return clarify("I can add, list, update, complete or delete tasks. What would you like to do?"), nil
}

func addTask(title, priority string) string {
	title = strings.TrimSpace(title)
	lower := strings.ToLower(title)
	if m := rePriorTag.FindStringSubmatch(lower); m != nil && priority == "" && len(lower) == len(title) {
		priority = m[1]
		title = strings.TrimSpace(title[:len(title)-len(m[0])])
	}
	params := map[string]any{"title": title}
	if priority != "" {
		params["priority"] = priority
	}
	return operation(ops.KindAdd, params, fmt.Sprintf("Added %q to your tasks.", title))
}

// withTask resolves a task reference and renders the decision, or asks
// which task was meant.
func withTask(tasks []taskstore.Task, ref string, render func(id int64) string) string {
	if m := reTaskID.FindStringSubmatch(ref); m != nil {
		if id, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return render(id)
		}
	}
	if id, err := strconv.ParseInt(strings.TrimSpace(ref), 10, 64); err == nil {
		return render(id)
	}

	words := significantWords(ref)
	if len(words) == 0 {
		return clarify("Which task do you mean? You can refer to it by its number.")
	}
	var matches []taskstore.Task
	for _, t := range tasks {
		title := strings.ToLower(t.Title)
		all := true
		for _, w := range words {
			if !strings.Contains(title, w) {
				all = false
				break
			}
		}
		if all {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 1:
		return render(matches[0].ID)
	case 0:
		return clarify(fmt.Sprintf("I couldn't find a task matching %q. Which task do you mean?", strings.Join(words, " ")))
	default:
		ids := make([]string, len(matches))
		for i, t := range matches {
			ids[i] = fmt.Sprintf("#%d %s", t.ID, t.Title)
		}
		return clarify("Several tasks match: " + strings.Join(ids, ", ") + ". Which one do you mean?")
	}
}

func significantWords(s string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, `"'.,!?`)
		if w == "" || fillerWords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

// original recovers the caller's casing for a lower-cased fragment.
func original(raw, lowered string) string {
	if len(strings.ToLower(raw)) != len(raw) {
		return lowered
	}
	if i := strings.LastIndex(strings.ToLower(raw), lowered); i >= 0 {
		return raw[i : i+len(lowered)]
	}
	return lowered
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func operation(kind ops.Kind, params map[string]any, reply string) string {
	b, _ := json.Marshal(map[string]any{
		"action":    "operation",
		"operation": kind,
		"params":    params,
		"reply":     reply,
	})
	return string(b)
}

func clarify(question string) string {
	b, _ := json.Marshal(map[string]any{"action": "clarify", "question": question})
	return string(b)
}
