package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/apex-daemon/apexd/internal/core"
)

// Loader resolves workflow names to topologically-sorted stage graphs,
// reading definitions from workflowsDir/<name>.yaml and caching the
// resulting graph since a workflow's definition never changes once a task
// references it.
type Loader struct {
	workflowsDir string

	mu    sync.Mutex
	cache map[string]*core.StageGraph
}

// NewLoader constructs a Loader rooted at workflowsDir.
func NewLoader(workflowsDir string) *Loader {
	return &Loader{workflowsDir: workflowsDir, cache: make(map[string]*core.StageGraph)}
}

// Load reads workflowsDir/<name>.yaml, parses it into a WorkflowDef, and
// builds its stage graph, rejecting cycles and unknown dependencies. Once
// built, the graph is cached and returned directly on later calls for the
// same name.
func (l *Loader) Load(name string) (*core.StageGraph, error) {
	l.mu.Lock()
	if g, ok := l.cache[name]; ok {
		l.mu.Unlock()
		return g, nil
	}
	l.mu.Unlock()

	path := filepath.Join(l.workflowsDir, name+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, core.ErrConfiguration("WORKFLOW_NOT_FOUND", fmt.Sprintf("reading workflow %q: %v", name, err))
	}

	var def core.WorkflowDef
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, core.ErrConfiguration("WORKFLOW_MALFORMED", fmt.Sprintf("parsing workflow %q: %v", name, err))
	}
	if def.Name == "" {
		def.Name = name
	}

	graph, domErr := core.BuildStageGraph(def)
	if domErr != nil {
		return nil, domErr
	}

	l.mu.Lock()
	l.cache[name] = graph
	l.mu.Unlock()
	return graph, nil
}
