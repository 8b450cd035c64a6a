package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"golang.org/x/sync/errgroup"

	"github.com/taskmill-ai/taskmill"
	"github.com/taskmill-ai/taskmill/internal/adapters"
	"github.com/taskmill-ai/taskmill/internal/cache"
	"github.com/taskmill-ai/taskmill/internal/conversation"
	"github.com/taskmill-ai/taskmill/internal/scheduler"
	"github.com/taskmill-ai/taskmill/internal/tools"
)

func main() {
	planFile := flag.String("plan", "", "execute a pre-built plan file instead of serving flows")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if os.Getenv("GEMINI_API_KEY") == "" {
		log.Fatal("GEMINI_API_KEY environment variable not set.")
	}

	g, err := genkit.Init(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{}),
		genkit.WithDefaultModel("googleai/gemini-2.0-flash"),
	)
	if err != nil {
		log.Fatal("Genkit initialization failed:", err)
	}

	config := taskmill.DefaultConfig()
	availableTools := tools.SetupTools()
	registry := tools.NewRegistry(availableTools)
	memCache := cache.NewInMemoryCache(10 * time.Minute)

	// Planner flow: decompose the goal into a task graph.
	plannerFlow := genkit.DefineFlow(g, "plannerFlow",
		func(ctx context.Context, input *taskmill.PlannerInput) (*taskmill.PlanDraft, error) {
			draft, _, err := genkit.GenerateData[taskmill.PlanDraft](ctx, g,
				ai.WithPrompt(plannerPrompt(input)),
			)
			if err != nil {
				return nil, fmt.Errorf("planner generation failed: %w", err)
			}
			return draft, nil
		},
	)

	// Responder flow: one conversation turn, final text or tool calls.
	responderFlow := genkit.DefineFlow(g, "responderFlow",
		func(ctx context.Context, request *adapters.ResponderRequest) (*taskmill.Response, error) {
			response, _, err := genkit.GenerateData[taskmill.Response](ctx, g,
				ai.WithPrompt(responderPrompt(request)),
			)
			if err != nil {
				return nil, fmt.Errorf("responder generation failed: %w", err)
			}
			return response, nil
		},
	)

	plannerAdapter := adapters.NewGenkitPlannerAdapter(plannerFlow, memCache)
	responderAdapter := adapters.NewGenkitResponderAdapter(responderFlow)

	runner, err := conversation.NewRunner(responderAdapter, registry,
		conversation.WithMaxIterations(config.MaxIterations),
		conversation.WithResponderTimeout(config.ResponderTimeout),
		conversation.WithToolTimeout(config.ToolTimeout),
		conversation.WithResponderRetries(config.ResponderRetries),
		conversation.WithRetryDelay(config.RetryDelay),
	)
	if err != nil {
		log.Fatal("Runner construction failed:", err)
	}

	sched, err := scheduler.New(runner, scheduler.WithMaxWorkers(config.MaxConcurrentTasks))
	if err != nil {
		log.Fatal("Scheduler construction failed:", err)
	}

	engine, err := taskmill.New(
		taskmill.WithConfig(config),
		taskmill.WithPlanner(plannerAdapter),
		taskmill.WithScheduler(sched),
		taskmill.WithResponder(responderAdapter),
		taskmill.WithCache(memCache),
		taskmill.WithTools(availableTools),
	)
	if err != nil {
		log.Fatal("Engine construction failed:", err)
	}
	defer engine.Close()

	// One-shot mode: run a plan file and print the report.
	if *planFile != "" {
		runPlanFile(ctx, engine, *planFile)
		return
	}

	// Orchestrator flow: end-to-end goal processing.
	genkit.DefineFlow(g, "taskmillFlow",
		func(ctx context.Context, goal string) (*taskmill.Result, error) {
			return engine.Process(ctx, goal)
		},
	)

	log.Println("Genkit initialized. taskmill flows defined.")
	log.Println(`To run: genkit flow run taskmillFlow '"Your goal here"'`)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return cleanupLoop(groupCtx, engine)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return groupCtx.Err()
	})
	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("Server stopped:", err)
	}
}

// cleanupLoop periodically drops terminal async executions.
func cleanupLoop(ctx context.Context, engine *taskmill.Engine) error {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed := engine.CleanupCompletedExecutions(time.Hour); removed > 0 {
				log.Printf("Cleaned up %d completed async executions", removed)
			}
		}
	}
}

// runPlanFile loads, validates, and executes a pre-built task graph.
func runPlanFile(ctx context.Context, engine *taskmill.Engine, path string) {
	draft, err := scheduler.LoadPlanFile(path)
	if err != nil {
		log.Fatal("Plan file load failed:", err)
	}
	report, err := engine.ExecutePlan(ctx, draft.Tasks)
	if err != nil {
		log.Fatal("Plan execution failed:", err)
	}
	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatal("Report encoding failed:", err)
	}
	fmt.Println(string(encoded))
}

// plannerPrompt builds the decomposition prompt from the goal and the
// registered tool schemas.
func plannerPrompt(input *taskmill.PlannerInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Decompose the following goal into a set of tasks.\n\nGoal: %s\n\nAvailable tools:\n", input.Goal)
	for name, schema := range input.ToolSchemas {
		if desc, ok := schema["description"].(string); ok {
			fmt.Fprintf(&b, "- %s: %s\n", name, desc)
		} else {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	}
	b.WriteString(`
Each task has an id, a natural-language description, and the ids of tasks it
depends on. Use simple ids (e.g., "task1", "task2"). A task description may
reference a dependency's result as ${taskID} or ${taskID.field}. Do not create
dependency cycles. Emit only tasks that contribute to the goal.`)
	return b.String()
}

// responderPrompt flattens a conversation history and the callable tools into
// a single prompt for one turn.
func responderPrompt(request *adapters.ResponderRequest) string {
	var b strings.Builder
	b.WriteString("You are completing one task by calling tools or answering directly.\n\nCallable tools:\n")
	for _, tool := range request.Tools {
		fmt.Fprintf(&b, "- %s: %s\n", tool.Name, tool.Description)
	}
	b.WriteString("\nConversation so far:\n")
	for _, message := range request.History {
		switch {
		case len(message.ToolCalls) > 0:
			for _, call := range message.ToolCalls {
				args, _ := json.Marshal(call.Arguments)
				fmt.Fprintf(&b, "[%s] call %s(%s)\n", message.Role, call.Name, args)
			}
		case message.Role == taskmill.RoleTool:
			fmt.Fprintf(&b, "[tool:%s] %s\n", message.Name, message.Content)
		default:
			fmt.Fprintf(&b, "[%s] %s\n", message.Role, message.Content)
		}
	}
	b.WriteString(`
Respond with either a final text answer (leave tool_calls empty) or the tool
calls to make next (leave text empty). Tool arguments are a JSON object keyed
by parameter name.`)
	return b.String()
}
