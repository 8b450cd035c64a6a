package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/taskmill-ai/taskmill"
)

// PlanFile is the on-disk representation of a hand-written task graph, an
// alternative to planner-generated graphs for fixed workflows.
type PlanFile struct {
	Version string         `yaml:"version" json:"version"`
	Goal    string         `yaml:"goal" json:"goal"`
	Tasks   []PlanFileTask `yaml:"tasks" json:"tasks"`
}

// PlanFileTask is one task entry in a plan file.
type PlanFileTask struct {
	ID           string   `yaml:"id" json:"id"`
	Description  string   `yaml:"description" json:"description"`
	DependsOn    []string `yaml:"depends_on" json:"depends_on"`
	OutputSchema string   `yaml:"output_schema" json:"output_schema"`
}

// planDecoder parses raw file bytes into a PlanFile.
type planDecoder func(data []byte, file *PlanFile) error

var planDecoders = map[string]planDecoder{
	".yaml": decodeYAML,
	".yml":  decodeYAML,
	".json": decodeJSON,
}

func decodeYAML(data []byte, file *PlanFile) error {
	return yaml.Unmarshal(data, file)
}

func decodeJSON(data []byte, file *PlanFile) error {
	return json.Unmarshal(data, file)
}

// LoadPlanFile reads a plan file and converts it into an unvalidated draft.
// The format is chosen by file extension.
func LoadPlanFile(path string) (*taskmill.PlanDraft, error) {
	ext := strings.ToLower(filepath.Ext(path))
	decode, ok := planDecoders[ext]
	if !ok {
		return nil, taskmill.NewValidationError("planfile", fmt.Sprintf("unsupported plan file extension '%s'", ext), nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, taskmill.NewValidationError("planfile", fmt.Sprintf("failed to read plan file '%s'", path), err)
	}

	var file PlanFile
	if err := decode(data, &file); err != nil {
		return nil, taskmill.NewValidationError("planfile", fmt.Sprintf("failed to parse plan file '%s'", path), err)
	}
	if len(file.Tasks) == 0 {
		return nil, taskmill.NewValidationError("planfile", fmt.Sprintf("plan file '%s' contains no tasks", path), nil)
	}

	draft := &taskmill.PlanDraft{Tasks: make([]*taskmill.Task, 0, len(file.Tasks))}
	for _, entry := range file.Tasks {
		draft.Tasks = append(draft.Tasks, &taskmill.Task{
			ID:           entry.ID,
			Description:  entry.Description,
			DependsOn:    entry.DependsOn,
			OutputSchema: entry.OutputSchema,
		})
	}
	return draft, nil
}

// LoadAndValidatePlan reads a plan file and validates it into an executable
// plan in one step.
func LoadAndValidatePlan(path string) (*taskmill.Plan, error) {
	draft, err := LoadPlanFile(path)
	if err != nil {
		return nil, err
	}
	return taskmill.ValidatePlan(draft.Tasks)
}
