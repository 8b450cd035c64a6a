package taskmill

import "context"

// PlannerInput contains the information needed by the Planner to decompose a
// goal into a task graph.
type PlannerInput struct {
	Goal        string                    `json:"goal"`
	ToolSchemas map[string]map[string]any `json:"tool_schemas"` // Map tool name to its full schema map
}

// PlanDraft is the unvalidated task set produced by a Planner. It becomes a
// Plan only after ValidatePlan accepts it.
type PlanDraft struct {
	Tasks []*Task `json:"tasks"`
}

// Planner is responsible for decomposing a goal into a draft task graph.
type Planner interface {
	GeneratePlan(ctx context.Context, input PlannerInput) (*PlanDraft, error)
}

// Responder is the external LLM-backed component. Given an ordered message
// history and the callable tool descriptors, it returns either a final text
// answer or a set of requested tool invocations.
type Responder interface {
	Generate(ctx context.Context, history []Message, tools []ToolDescriptor) (*Response, error)
}

// StreamingResponder is an optional Responder extension that yields
// incremental text chunks before the terminal Response.
type StreamingResponder interface {
	Responder
	GenerateStream(ctx context.Context, history []Message, tools []ToolDescriptor, onChunk func(chunk string)) (*Response, error)
}

// Tool represents an executable action the responder can request.
type Tool interface {
	// Execute performs the tool's action with arguments supplied by the
	// responder. Side effects are the tool's own business; the engine does not
	// sandbox or roll them back.
	Execute(ctx context.Context, input map[string]any) (map[string]any, error)

	// Schema returns a description of the tool, used in planner prompts and
	// tool descriptors. Standard keys: "description", "parameters", "returns",
	// "examples", "category".
	Schema() map[string]any

	// Validate checks if the provided input is valid for this tool.
	Validate(input map[string]any) error

	// Name returns the tool's name.
	Name() string
}

// TaskRunner resolves a single task to a terminal outcome. The conversational
// executor is the canonical implementation; the scheduler calls it once per
// task and owns all plan mutation itself.
type TaskRunner interface {
	RunTask(ctx context.Context, task *Task) (*Outcome, error)
}

// Scheduler executes a validated plan and reports every task's terminal state.
type Scheduler interface {
	Execute(ctx context.Context, plan *Plan) (*Report, error)
}

// Cache provides storage for frequently accessed data, like generated plans.
type Cache interface {
	Get(ctx context.Context, key string) (any, error)
	Set(ctx context.Context, key string, value any) error
}
