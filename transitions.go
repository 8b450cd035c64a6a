package taskmill

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/taskmill-ai/taskmill/internal/eventbus"
)

// EngineComponents holds references to the components the pipeline transitions
// need. Transitions operate on interfaces so state machines can be assembled
// with test doubles.
type EngineComponents struct {
	Planner   Planner
	Scheduler Scheduler
	Responder Responder
	Config    Config

	// GetSchemas retrieves the registered tool schemas for planner prompts.
	GetSchemas func() map[string]map[string]any
}

// CreateProcessStateMachine builds the complete goal-processing state machine:
// init, planning, validation, execution, synthesis, complete, plus the error
// and cancelled terminals.
func CreateProcessStateMachine(components EngineComponents, eventBus eventbus.EventBus) *StateMachine {
	sm := NewStateMachine(eventBus)

	sm.RegisterTransition(StateInit, createInitTransition(components))
	sm.RegisterTransition(StatePlanning, createPlanningTransition(components))
	sm.RegisterTransition(StateValidation, createValidationTransition(components))
	sm.RegisterTransition(StateExecution, createExecutionTransition(components))
	sm.RegisterTransition(StateSynthesis, createSynthesisTransition(components))
	sm.RegisterTransition(StateError, createErrorTransition(components))
	sm.RegisterTransition(StateComplete, createCompleteTransition(components))
	sm.RegisterTransition(StateCancelled, createCancelledTransition(components))

	return sm
}

// createInitTransition prepares the planner input from the goal and the
// registered tool schemas.
func createInitTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventGoalProcessingStarted,
				pCtx.Goal,
				"StateMachine.Init",
				map[string]any{"timestamp": time.Now().Format(time.RFC3339)},
			))
		}

		pCtx.PlannerInput = &PlannerInput{
			Goal:        pCtx.Goal,
			ToolSchemas: components.GetSchemas(),
		}
		return StatePlanning, nil
	}
}

// createPlanningTransition asks the planner to decompose the goal into a draft
// task graph.
func createPlanningTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventPlanGenerationStarted,
				pCtx.Goal,
				"StateMachine.Planning",
				nil,
			))
		}

		draft, err := components.Planner.GeneratePlan(ctx, *pCtx.PlannerInput)
		if err != nil {
			publishFailure(ctx, eb, eventbus.EventPlanGenerationFailure, "StateMachine.Planning", pCtx.Goal, "plan_generation", err)
			return StateError, err
		}
		if draft == nil || len(draft.Tasks) == 0 {
			err := NewPlanGenerationError(fmt.Errorf("planner returned an empty draft"))
			publishFailure(ctx, eb, eventbus.EventPlanGenerationFailure, "StateMachine.Planning", pCtx.Goal, "plan_generation", err)
			return StateError, err
		}

		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventPlanGenerationSuccess,
				draft,
				"StateMachine.Planning",
				map[string]any{"task_count": len(draft.Tasks)},
			))
		}

		pCtx.Draft = draft
		return StateValidation, nil
	}
}

// createValidationTransition turns the draft into an executable plan,
// rejecting cycles and dangling dependencies before anything runs.
func createValidationTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		plan, err := ValidatePlan(pCtx.Draft.Tasks)
		if err != nil {
			publishFailure(ctx, eb, eventbus.EventPlanValidationFailure, "StateMachine.Validation", pCtx.Goal, "validation", err)
			return StateError, err
		}

		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventPlanValidationSuccess,
				plan,
				"StateMachine.Validation",
				map[string]any{"task_count": plan.Len()},
			))
		}

		pCtx.Plan = plan
		return StateExecution, nil
	}
}

// createExecutionTransition runs the plan through the scheduler. Task failures
// do not abort the pipeline: a partial-failure report still proceeds to
// synthesis so the final answer can account for what did complete.
func createExecutionTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		report, err := components.Scheduler.Execute(ctx, pCtx.Plan)
		if report != nil {
			pCtx.Report = report
		}
		if err != nil {
			publishFailure(ctx, eb, eventbus.EventGoalProcessingFailure, "StateMachine.Execution", pCtx.Goal, "execution", err)
			return StateError, err
		}
		return StateSynthesis, nil
	}
}

// createSynthesisTransition asks the responder to compose the final answer
// from the execution report.
func createSynthesisTransition(components EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventSynthesisStarted,
				pCtx.Goal,
				"StateMachine.Synthesis",
				map[string]any{
					"task_count":      len(pCtx.Report.Tasks),
					"partial_failure": !pCtx.Report.Succeeded(),
				},
			))
		}

		history := synthesisHistory(pCtx.Goal, pCtx.Report)
		response, err := components.Responder.Generate(ctx, history, nil)
		if err != nil {
			wrapped := NewSynthesisError(err)
			publishFailure(ctx, eb, eventbus.EventSynthesisFailure, "StateMachine.Synthesis", pCtx.Goal, "synthesis", wrapped)
			return StateError, wrapped
		}
		if response == nil || response.Text == "" {
			wrapped := NewSynthesisError(fmt.Errorf("responder returned an empty answer"))
			publishFailure(ctx, eb, eventbus.EventSynthesisFailure, "StateMachine.Synthesis", pCtx.Goal, "synthesis", wrapped)
			return StateError, wrapped
		}

		if eb != nil {
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventSynthesisSuccess,
				response.Text,
				"StateMachine.Synthesis",
				map[string]any{"answer_length": len(response.Text)},
			))
			eb.Publish(ctx, eventbus.NewEvent(
				eventbus.EventGoalProcessingSuccess,
				pCtx.Goal,
				"StateMachine.Synthesis",
				map[string]any{"final_answer": response.Text},
			))
		}

		pCtx.FinalAnswer = response.Text
		return StateComplete, nil
	}
}

// createErrorTransition handles the error terminal.
func createErrorTransition(_ EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		return StateError, pCtx.LastError
	}
}

// createCompleteTransition handles the complete terminal.
func createCompleteTransition(_ EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		return StateComplete, nil
	}
}

// createCancelledTransition handles the cancelled terminal.
func createCancelledTransition(_ EngineComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, pCtx *ProcessContext) (ProcessState, error) {
		return StateCancelled, pCtx.LastError
	}
}

// publishFailure publishes a stage failure event plus the goal-level failure
// event that mirrors it.
func publishFailure(ctx context.Context, eb eventbus.EventBus, eventType eventbus.EventType, source, goal, stage string, err error) {
	if eb == nil {
		return
	}
	eb.Publish(ctx, eventbus.NewEvent(eventType, err.Error(), source, map[string]any{"error": err.Error()}))
	eb.Publish(ctx, eventbus.NewEvent(
		eventbus.EventGoalProcessingFailure,
		goal,
		source,
		map[string]any{"error": err.Error(), "stage": stage},
	))
}

// synthesisHistory builds the message history for the final-answer call. Task
// results appear in lexical id order; failed and blocked tasks are listed so
// the answer can state what was not completed.
func synthesisHistory(goal string, report *Report) []Message {
	ids := make([]string, 0, len(report.Tasks))
	for id := range report.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nTask results:\n", goal)
	for _, id := range ids {
		entry := report.Tasks[id]
		switch entry.Status {
		case TaskStatusSucceeded:
			fmt.Fprintf(&b, "- %s: %s\n", id, entry.Outcome.Text)
		case TaskStatusBlocked:
			fmt.Fprintf(&b, "- %s: not run (blocked by a failed dependency)\n", id)
		default:
			fmt.Fprintf(&b, "- %s: failed (%s)\n", id, entry.Error)
		}
	}
	if !report.Succeeded() {
		b.WriteString("\nSome tasks did not complete. State clearly what was accomplished and what was not.\n")
	}
	b.WriteString("\nCompose the final answer to the goal from these results.")

	return []Message{
		{Role: RoleSystem, Content: "You compose final answers from completed task results. Answer directly and completely."},
		{Role: RoleUser, Content: b.String()},
	}
}
