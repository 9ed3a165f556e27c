package taskengine

import (
	"errors"

	"github.com/minion-security/minion/internal/pluginclient"
)

// ErrNoSuchPlan is returned by the Plan Registry for an unknown plan name.
var ErrNoSuchPlan = errors.New("no-such-plan")

// WorkflowStep is one step of a plan: a plugin to run and the base
// configuration to merge with the client's configuration at scan creation.
type WorkflowStep struct {
	PluginName    string                 `json:"plugin_name"`
	Description   string                 `json:"description"`
	Configuration map[string]interface{} `json:"configuration"`
}

// Plan is a named, ordered workflow of plugin steps. The registry is
// compile-time constant (spec.md §3); ScanSession deep-copies a plan at
// create time so a later registry edit cannot affect an in-flight scan.
type Plan struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Workflow    []WorkflowStep `json:"workflow"`
}

// PlanSummary is the abbreviated form returned by GET /plans.
type PlanSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ResolvedWorkflowStep augments WorkflowStep with the plugin descriptor
// fetched from the Plugin Service (spec.md §6.2: "GET /plan/<name> → full
// plan with each step's plugin descriptor resolved via Plugin Service").
type ResolvedWorkflowStep struct {
	PluginName       string                        `json:"plugin_name"`
	Description      string                        `json:"description"`
	Configuration    map[string]interface{}        `json:"configuration"`
	PluginDescriptor pluginclient.PluginDescriptor `json:"plugin_descriptor"`
}

// ResolvedPlan is the full form of a plan with every step's descriptor resolved.
type ResolvedPlan struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Workflow    []ResolvedWorkflowStep `json:"workflow"`
}

func (p Plan) clone() Plan {
	steps := make([]WorkflowStep, len(p.Workflow))
	for i, s := range p.Workflow {
		cfg := make(map[string]interface{}, len(s.Configuration))
		for k, v := range s.Configuration {
			cfg[k] = v
		}
		steps[i] = WorkflowStep{PluginName: s.PluginName, Description: s.Description, Configuration: cfg}
	}
	return Plan{Name: p.Name, Description: p.Description, Workflow: steps}
}

// PlanRegistry is the static table of named plans.
type PlanRegistry struct {
	plans map[string]Plan
}

// NewPlanRegistry builds a registry from a fixed slice of plans.
func NewPlanRegistry(plans []Plan) *PlanRegistry {
	m := make(map[string]Plan, len(plans))
	for _, p := range plans {
		m[p.Name] = p
	}
	return &PlanRegistry{plans: m}
}

// Get returns a deep copy of the named plan.
func (r *PlanRegistry) Get(name string) (Plan, error) {
	p, ok := r.plans[name]
	if !ok {
		return Plan{}, ErrNoSuchPlan
	}
	return p.clone(), nil
}

// Summaries returns the abbreviated (name, description) form of every plan.
func (r *PlanRegistry) Summaries() []PlanSummary {
	out := make([]PlanSummary, 0, len(r.plans))
	for _, p := range r.plans {
		out = append(out, PlanSummary{Name: p.Name, Description: p.Description})
	}
	return out
}

// DefaultPlans is the built-in plan set. Plugin names reference the scanner
// plugins the Plugin Service is configured with; the scanning logic itself
// is out of scope (spec.md §1) — only the orchestration around it.
func DefaultPlans() []Plan {
	return []Plan{
		{
			Name:        "tickle",
			Description: "baseline HTTP security header checks",
			Workflow: []WorkflowStep{
				{PluginName: "HSTSPlugin", Description: "check HSTS header", Configuration: map[string]interface{}{}},
				{PluginName: "XFrameOptionsPlugin", Description: "check X-Frame-Options header", Configuration: map[string]interface{}{}},
			},
		},
	}
}
