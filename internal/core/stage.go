package core

import "fmt"

// Stage is one node of a workflow's stage DAG.
type Stage struct {
	Name         string   `yaml:"name"`
	Agent        string   `yaml:"agent"`
	Dependencies []string `yaml:"dependencies"`
}

// AgentSpec is an opaque description of an agent invoked by a stage; the
// core treats instructions as a plain string and never interprets it.
type AgentSpec struct {
	Name         string
	Model        string
	Instructions string
}

// WorkflowDef is a named, ordered list of stages resolved from
// workflows/*.yaml by the external loader.
type WorkflowDef struct {
	Name   string  `yaml:"name"`
	Stages []Stage `yaml:"stages"`
}

// StageGraph is the topologically-sorted form of a WorkflowDef, computed
// once at load time. Cycles are rejected before any task can reference this
// workflow.
type StageGraph struct {
	Name  string
	Order []Stage
	index map[string]int
}

// BuildStageGraph computes a deterministic topological order over def's
// stages via Kahn's algorithm, rejecting cycles. Ties among stages with no
// remaining dependency are broken by their original definition order, so the
// result is deterministic given the same input.
func BuildStageGraph(def WorkflowDef) (*StageGraph, *DomainError) {
	byName := make(map[string]Stage, len(def.Stages))
	pos := make(map[string]int, len(def.Stages))
	for i, s := range def.Stages {
		if _, dup := byName[s.Name]; dup {
			return nil, ErrConfiguration("DUPLICATE_STAGE", fmt.Sprintf("workflow %q defines stage %q more than once", def.Name, s.Name))
		}
		byName[s.Name] = s
		pos[s.Name] = i
	}

	indegree := make(map[string]int, len(def.Stages))
	dependents := make(map[string][]string, len(def.Stages))
	for _, s := range def.Stages {
		indegree[s.Name] = 0
	}
	for _, s := range def.Stages {
		for _, dep := range s.Dependencies {
			if _, ok := byName[dep]; !ok {
				return nil, ErrConfiguration("UNKNOWN_STAGE_DEPENDENCY",
					fmt.Sprintf("workflow %q: stage %q depends on unknown stage %q", def.Name, s.Name, dep))
			}
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var ready []string
	for _, s := range def.Stages {
		if indegree[s.Name] == 0 {
			ready = append(ready, s.Name)
		}
	}

	var order []Stage
	for len(ready) > 0 {
		// Deterministic: pick the lowest original-position candidate.
		bestIdx := 0
		for i := 1; i < len(ready); i++ {
			if pos[ready[i]] < pos[ready[bestIdx]] {
				bestIdx = i
			}
		}
		name := ready[bestIdx]
		ready = append(ready[:bestIdx], ready[bestIdx+1:]...)

		order = append(order, byName[name])
		for _, dep := range dependents[name] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(def.Stages) {
		return nil, ErrIllegalState(CodeDAGCycle, fmt.Sprintf("workflow %q contains a cycle among stages", def.Name))
	}

	sg := &StageGraph{Name: def.Name, Order: order, index: make(map[string]int, len(order))}
	for i, s := range order {
		sg.index[s.Name] = i
	}
	return sg, nil
}

// IndexOf returns the position of stage name in the topological order.
func (g *StageGraph) IndexOf(name string) (int, bool) {
	i, ok := g.index[name]
	return i, ok
}

// StageOutcome is the result of running a single stage.
type StageOutcome string

const (
	StageCompleted     StageOutcome = "completed"
	StagePausedLimit   StageOutcome = "paused_session_limit"
	StageFailedBudget  StageOutcome = "failed_budget"
	StageFailedError   StageOutcome = "failed_error"
)

// SessionLimitRecommendation is detectSessionLimit's guidance.
type SessionLimitRecommendation string

const (
	RecommendContinue   SessionLimitRecommendation = "continue"
	RecommendCheckpoint SessionLimitRecommendation = "checkpoint"
	RecommendHandoff    SessionLimitRecommendation = "handoff"
)

// SessionLimitStatus is the outcome of detectSessionLimit.
type SessionLimitStatus struct {
	NearLimit      bool
	CurrentTokens  int64
	Utilization    float64
	Recommendation SessionLimitRecommendation
}
