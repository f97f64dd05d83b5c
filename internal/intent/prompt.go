package intent

import (
	"encoding/json"
	"strings"

	"github.com/basket/taskchat/internal/ops"
	"github.com/basket/taskchat/internal/persistence"
	"github.com/basket/taskchat/internal/recall"
	"github.com/basket/taskchat/internal/taskstore"
)

// Turn is one prior message of the conversation.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Prompt is everything a backend may look at. Backends must not consult
// any other state.
type Prompt struct {
	System  string
	History []Turn
	Message string
	// Tasks are the owner's recent tasks, also rendered into System.
	Tasks []taskstore.Task
}

const instructions = `You are a task management assistant. Each user message must be answered with exactly one JSON object and nothing else.

To perform an operation respond with:
{"action":"operation","operation":"<name>","params":{...},"reply":"<one short sentence for the user>"}

When the request is unclear, or refers to a task you cannot identify from the recent tasks below, respond with:
{"action":"clarify","question":"<one short question>"}

Rules:
- Use only the operations in the catalog and only the parameters their schemas allow.
- Refer to existing tasks by their numeric id (task_id).
- Never invent task ids.

Operation catalog:
`

// BuildPrompt renders the backend prompt for a message. The output is a
// pure function of its arguments.
func BuildPrompt(rc recall.Context, message string) Prompt {
	var sys strings.Builder
	sys.WriteString(instructions)
	catalog, _ := json.MarshalIndent(ops.Catalog(), "", "  ")
	sys.Write(catalog)
	sys.WriteString("\n\n")
	sys.WriteString(rc.Background())

	history := make([]Turn, 0, len(rc.Messages))
	for _, m := range rc.Messages {
		switch m.Role {
		case persistence.RoleUser, persistence.RoleAssistant:
			history = append(history, Turn{Role: m.Role, Content: m.Content})
		}
	}
	return Prompt{
		System:  sys.String(),
		History: history,
		Message: message,
		Tasks:   rc.Tasks,
	}
}
