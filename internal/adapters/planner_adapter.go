// Package adapters bridges genkit flows to the engine's planner and responder
// interfaces.
package adapters

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"log"

	"github.com/firebase/genkit/go/core"

	"github.com/taskmill-ai/taskmill"
)

// GenkitPlannerAdapter uses a genkit flow to implement the Planner interface.
// Generated drafts are cached by goal and tool-set fingerprint so repeated
// goals skip the model round trip.
type GenkitPlannerAdapter struct {
	plannerFlow *core.Flow[*taskmill.PlannerInput, *taskmill.PlanDraft, struct{}]
	cache       taskmill.Cache
}

// NewGenkitPlannerAdapter creates a new adapter for the planner flow. The
// cache is optional.
func NewGenkitPlannerAdapter(plannerFlow *core.Flow[*taskmill.PlannerInput, *taskmill.PlanDraft, struct{}], cache taskmill.Cache) *GenkitPlannerAdapter {
	return &GenkitPlannerAdapter{
		plannerFlow: plannerFlow,
		cache:       cache,
	}
}

var _ taskmill.Planner = (*GenkitPlannerAdapter)(nil)

// GeneratePlan implements the taskmill.Planner interface.
func (a *GenkitPlannerAdapter) GeneratePlan(ctx context.Context, input taskmill.PlannerInput) (*taskmill.PlanDraft, error) {
	if a.plannerFlow == nil {
		return nil, taskmill.NewConfigurationError("planner flow is not configured", nil)
	}

	cacheKey := a.cacheKey(input)
	if a.cache != nil {
		if cached, err := a.cache.Get(ctx, cacheKey); err == nil {
			if draft, ok := cached.(*taskmill.PlanDraft); ok {
				return cloneDraft(draft), nil
			}
		}
	}

	draft, err := a.plannerFlow.Run(ctx, &input)
	if err != nil {
		return nil, taskmill.NewPlanGenerationError(err)
	}
	if draft == nil || len(draft.Tasks) == 0 {
		return nil, taskmill.NewPlanGenerationError(nil)
	}

	if a.cache != nil {
		if err := a.cache.Set(ctx, cacheKey, cloneDraft(draft)); err != nil {
			log.Printf("Failed to cache generated plan: %v", err)
		}
	}
	return draft, nil
}

// cacheKey creates a stable key for caching planner results.
func (a *GenkitPlannerAdapter) cacheKey(input taskmill.PlannerInput) string {
	inputBytes, err := json.Marshal(input)
	if err != nil {
		log.Printf("Failed to marshal planner input for cache key: %v", err)
		return "planner:" + input.Goal
	}
	hasher := sha1.New()
	hasher.Write(inputBytes)
	return "planner:" + hex.EncodeToString(hasher.Sum(nil))
}

// cloneDraft copies a draft so callers and the cache never share task values.
// Cached tasks must not carry execution state into a later run.
func cloneDraft(draft *taskmill.PlanDraft) *taskmill.PlanDraft {
	clone := &taskmill.PlanDraft{Tasks: make([]*taskmill.Task, 0, len(draft.Tasks))}
	for _, task := range draft.Tasks {
		clone.Tasks = append(clone.Tasks, &taskmill.Task{
			ID:           task.ID,
			Description:  task.Description,
			DependsOn:    append([]string(nil), task.DependsOn...),
			OutputSchema: task.OutputSchema,
		})
	}
	return clone
}
