// Package stages defines the planning workflow's five stages and runs them
// against a provider client, gated on their declared prerequisites.
package stages

import (
	"fmt"

	"github.com/samber/lo"
)

// Definition describes one stage of the planning workflow.
type Definition struct {
	ID           int
	Name         string
	Description  string
	Dependencies []int // stage ids that must be completed first
	TemplateName string
	// ContextKey is the variable name under which this stage's output is
	// exposed to later stages' templates.
	ContextKey string
}

// The workflow: plan, tear the plan apart, rebuild it realistically, ground
// it technically, then map it onto AI-assisted implementation. Stage 4 reads
// the review as well as the refined plan, so it declares both.
var definitions = []Definition{
	{
		ID:           1,
		Name:         "Initial Plan Creation",
		Description:  "Generate a first project plan from the project description",
		Dependencies: nil,
		TemplateName: "initial_plan",
		ContextKey:   "initial_plan",
	},
	{
		ID:           2,
		Name:         "Critical Evaluation",
		Description:  "Critically review the initial plan",
		Dependencies: []int{1},
		TemplateName: "critical_review",
		ContextKey:   "critical_review",
	},
	{
		ID:           3,
		Name:         "Realistic Alternative",
		Description:  "Rebuild the plan to address the review findings",
		Dependencies: []int{2},
		TemplateName: "refined_plan",
		ContextKey:   "refined_plan",
	},
	{
		ID:           4,
		Name:         "Technical Approach Refinement",
		Description:  "Define the technical approach for the refined plan",
		Dependencies: []int{3, 2},
		TemplateName: "technical_approach",
		ContextKey:   "technical_approach",
	},
	{
		ID:           5,
		Name:         "AI Implementation Enhancement",
		Description:  "Map the technical approach onto AI-assisted implementation",
		Dependencies: []int{4},
		TemplateName: "implementation_plan",
		ContextKey:   "implementation_plan",
	},
}

// All returns every stage definition in execution order.
func All() []Definition {
	return definitions
}

// IDs returns every stage id in execution order.
func IDs() []int {
	return lo.Map(definitions, func(d Definition, _ int) int { return d.ID })
}

// Get returns the definition for the given stage id.
func Get(id int) (*Definition, error) {
	for i := range definitions {
		if definitions[i].ID == id {
			return &definitions[i], nil
		}
	}
	return nil, fmt.Errorf("unknown stage %d (valid: 1-%d)", id, len(definitions))
}

// DependencyNotMetError indicates a stage was run before a prerequisite
// completed. It names the missing stage so the caller knows what to run.
type DependencyNotMetError struct {
	StageID      int
	MissingStage int
}

func (e *DependencyNotMetError) Error() string {
	return fmt.Sprintf("stage %d requires stage %d to be completed first", e.StageID, e.MissingStage)
}
