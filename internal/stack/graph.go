package stack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/emicklei/dot"

	"dbstack/internal/domain"
	"dbstack/internal/logging"
)

/*
Stack Graph

PURPOSE:
  Orders provisioning steps by their dependencies and runs them one at a time.

FLOW:
  1. Steps are added with the names of the steps they depend on
  2. Order() sorts them topologically; ties go to the lexically smaller name
  3. Run() applies each step in order and stops at the first failure
  4. Destroy() tears steps down in reverse order and keeps going on failure

ERRORS:
  Unknown dependency  -> domain.ErrOrdering
  Dependency cycle    -> domain.ErrCycle
  Duplicate step name -> domain.ErrConfiguration
*/

// Step is one node of the graph.
type Step struct {
	Name        string
	Description string
	DependsOn   []string

	Apply   func(ctx context.Context) error
	Destroy func(ctx context.Context) error
}

// Status is what happened to a step during a run.
type Status string

const (
	StatusApplied   Status = "applied"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusDestroyed Status = "destroyed"
	StatusPlanned   Status = "planned"
)

// StepResult is one line of a Report.
type StepResult struct {
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description" yaml:"description"`
	DependsOn   []string      `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Status      Status        `json:"status" yaml:"status"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
	Error       string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report lists every step in the order it was visited.
type Report struct {
	Operation string       `json:"operation" yaml:"operation"`
	Steps     []StepResult `json:"steps" yaml:"steps"`
}

// Failed returns the first failed step, if any.
func (r *Report) Failed() *StepResult {
	for i := range r.Steps {
		if r.Steps[i].Status == StatusFailed {
			return &r.Steps[i]
		}
	}
	return nil
}

// Graph holds steps by name.
type Graph struct {
	steps map[string]Step
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{steps: make(map[string]Step)}
}

// Add registers step. Dependencies may be added later; they are resolved by
// Order.
func (g *Graph) Add(step Step) error {
	if step.Name == "" {
		return domain.Configf("step", "name is required")
	}
	if _, ok := g.steps[step.Name]; ok {
		return domain.Configf("step", "%q added twice", step.Name)
	}
	g.steps[step.Name] = step
	return nil
}

// Len is the number of steps.
func (g *Graph) Len() int {
	return len(g.steps)
}

// Order returns the steps so that every step follows all its dependencies.
func (g *Graph) Order() ([]Step, error) {
	indegree := make(map[string]int, len(g.steps))
	dependents := make(map[string][]string)
	for name := range g.steps {
		indegree[name] = 0
	}
	for name, step := range g.steps {
		for _, dep := range step.DependsOn {
			if _, ok := g.steps[dep]; !ok {
				return nil, fmt.Errorf("%w: step %s depends on unknown step %s", domain.ErrOrdering, name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]Step, 0, len(g.steps))
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, g.steps[next])
		for _, d := range dependents[next] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) != len(g.steps) {
		var stuck []string
		for name, n := range indegree {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: %s", domain.ErrCycle, strings.Join(stuck, ", "))
	}
	return order, nil
}

// Plan returns the ordered steps without running anything.
func (g *Graph) Plan() (*Report, error) {
	order, err := g.Order()
	if err != nil {
		return nil, err
	}
	report := &Report{Operation: "plan"}
	for _, s := range order {
		report.Steps = append(report.Steps, result(s, StatusPlanned))
	}
	return report, nil
}

// Run applies every step in order. The first failure stops the run; the
// remaining steps are reported as skipped.
func (g *Graph) Run(ctx context.Context) (*Report, error) {
	order, err := g.Order()
	if err != nil {
		return nil, err
	}

	report := &Report{Operation: "deploy"}
	var failure error
	for _, step := range order {
		if failure == nil {
			if err := ctx.Err(); err != nil {
				failure = err
			}
		}
		if failure != nil {
			report.Steps = append(report.Steps, result(step, StatusSkipped))
			continue
		}

		res, err := g.visit(ctx, step, step.Apply, StatusApplied)
		report.Steps = append(report.Steps, res)
		if err != nil {
			failure = fmt.Errorf("step %s: %w", step.Name, err)
		}
	}
	return report, failure
}

// Destroy tears steps down in reverse order. Every step is attempted; all
// failures are returned joined.
func (g *Graph) Destroy(ctx context.Context) (*Report, error) {
	order, err := g.Order()
	if err != nil {
		return nil, err
	}

	report := &Report{Operation: "destroy"}
	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		step := order[i]
		if step.Destroy == nil {
			report.Steps = append(report.Steps, result(step, StatusSkipped))
			continue
		}
		res, err := g.visit(ctx, step, step.Destroy, StatusDestroyed)
		report.Steps = append(report.Steps, res)
		if err != nil {
			errs = append(errs, fmt.Errorf("step %s: %w", step.Name, err))
		}
	}
	return report, errors.Join(errs...)
}

func (g *Graph) visit(ctx context.Context, step Step, fn func(context.Context) error, done Status) (StepResult, error) {
	operation := "step:" + step.Name
	start := time.Now()
	logging.LogOperationStart(operation, map[string]interface{}{"description": step.Description})

	var err error
	if fn != nil {
		err = fn(ctx)
	}
	duration := time.Since(start)
	logging.LogOperationEnd(operation, duration, err == nil, 1, boolToInt(err == nil), err)
	logging.GetMetrics().RecordOperation(operation, duration, err == nil, 1, boolToInt(err == nil), err)

	res := result(step, done)
	res.Duration = duration
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
	}
	return res, err
}

func result(s Step, status Status) StepResult {
	return StepResult{
		Name:        s.Name,
		Description: s.Description,
		DependsOn:   append([]string(nil), s.DependsOn...),
		Status:      status,
	}
}

// Render writes the dependency graph in DOT. Edges point from a dependency to
// the step that needs it.
func (g *Graph) Render(w io.Writer) error {
	order, err := g.Order()
	if err != nil {
		return err
	}

	graph := dot.NewGraph(dot.Directed)
	graph.Attr("rankdir", "TB")
	graph.NodeInitializer(func(n dot.Node) {
		n.Attr("fontname", "Arial")
		n.Attr("shape", "box")
	})
	for i, s := range order {
		graph.Node(s.Name).Attr("xlabel", fmt.Sprintf("%d", i+1))
	}
	for _, s := range order {
		deps := append([]string(nil), s.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			graph.Edge(graph.Node(dep), graph.Node(s.Name))
		}
	}
	_, err = io.WriteString(w, graph.String())
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
