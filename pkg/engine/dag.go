package engine

import (
	"container/heap"
	"fmt"
	"strings"
)

// DAGBuilder orders change operations. Dependencies always win; among ready
// operations the lower phase goes first, and ties keep emission order, so the
// result is deterministic for a given input.
type DAGBuilder struct {
	// ops maps op IDs to their operations
	ops map[string]*ChangeOp

	// emitted maps op IDs to their position in the input
	emitted map[string]int

	// adjacencyList maps op IDs to the ops that depend on them
	adjacencyList map[string][]string

	// inDegree tracks the number of unresolved dependencies for each op
	inDegree map[string]int
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		ops:           make(map[string]*ChangeOp),
		emitted:       make(map[string]int),
		adjacencyList: make(map[string][]string),
		inDegree:      make(map[string]int),
	}
}

// Order validates dependencies, rejects cycles and returns ops in execution order.
func (b *DAGBuilder) Order(ops []ChangeOp) ([]ChangeOp, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	if err := b.initialize(ops); err != nil {
		return nil, err
	}

	if err := b.detectCycles(ops); err != nil {
		return nil, err
	}

	return b.sort()
}

// initialize indexes ops and builds the adjacency lists.
func (b *DAGBuilder) initialize(ops []ChangeOp) error {
	for i := range ops {
		op := &ops[i]
		if op.ID == "" {
			return NewPermanentError("change operation has empty ID", nil).
				WithCode(ErrCodeInternal)
		}
		if _, exists := b.ops[op.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate change operation ID: %s", op.ID), nil).
				WithCode(ErrCodeInternal)
		}
		b.ops[op.ID] = op
		b.emitted[op.ID] = i
		b.inDegree[op.ID] = 0
	}

	for i := range ops {
		op := &ops[i]
		for _, dep := range op.DependsOn {
			if _, exists := b.ops[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("operation %s depends on non-existent operation %s", op.ID, dep),
					nil,
				).WithCode(ErrCodeInternal).WithTarget(op.Target)
			}
			b.adjacencyList[dep] = append(b.adjacencyList[dep], op.ID)
			b.inDegree[op.ID]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles(ops []ChangeOp) error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, op := range ops {
		if visited[op.ID] {
			continue
		}
		if cycle := b.detectCyclesUtil(op.ID, visited, recStack, nil); cycle != nil {
			return NewPermanentError(
				fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")),
				nil,
			).WithCode(ErrCodeInternal)
		}
	}

	return nil
}

func (b *DAGBuilder) detectCyclesUtil(
	id string,
	visited map[string]bool,
	recStack map[string]bool,
	path []string,
) []string {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, dependent := range b.adjacencyList[id] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, p := range path {
				if p == dependent {
					return append(append([]string{}, path[i:]...), dependent)
				}
			}
		}
	}

	recStack[id] = false
	return nil
}

// sort runs Kahn's algorithm with a (phase, emission) priority queue.
func (b *DAGBuilder) sort() ([]ChangeOp, error) {
	inDegree := make(map[string]int, len(b.inDegree))
	ready := &opQueue{builder: b}
	for id, d := range b.inDegree {
		inDegree[id] = d
		if d == 0 {
			heap.Push(ready, id)
		}
	}

	out := make([]ChangeOp, 0, len(b.ops))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		out = append(out, *b.ops[id])
		for _, dependent := range b.adjacencyList[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				heap.Push(ready, dependent)
			}
		}
	}

	if len(out) != len(b.ops) {
		return nil, NewPermanentError("failed to order all operations - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	return out, nil
}

// opQueue is a min-heap of op IDs keyed by phase rank then emission index.
type opQueue struct {
	ids     []string
	builder *DAGBuilder
}

func (q *opQueue) Len() int { return len(q.ids) }

func (q *opQueue) Less(i, j int) bool {
	a, b := q.builder.ops[q.ids[i]], q.builder.ops[q.ids[j]]
	if a.Phase.Rank() != b.Phase.Rank() {
		return a.Phase.Rank() < b.Phase.Rank()
	}
	return q.builder.emitted[a.ID] < q.builder.emitted[b.ID]
}

func (q *opQueue) Swap(i, j int) { q.ids[i], q.ids[j] = q.ids[j], q.ids[i] }

func (q *opQueue) Push(x any) { q.ids = append(q.ids, x.(string)) }

func (q *opQueue) Pop() any {
	n := len(q.ids)
	id := q.ids[n-1]
	q.ids = q.ids[:n-1]
	return id
}

// ValidateOrder checks that every dependency of every op appears earlier in the plan.
func ValidateOrder(plan *Plan) error {
	seen := make(map[string]bool, len(plan.Ops))
	for _, op := range plan.Ops {
		if seen[op.ID] {
			return NewPermanentError(fmt.Sprintf("duplicate operation %s", op.ID), nil).
				WithCode(ErrCodeValidation)
		}
		for _, dep := range op.DependsOn {
			if !seen[dep] {
				return NewPermanentError(
					fmt.Sprintf("operation %s runs before its dependency %s", op.ID, dep), nil,
				).WithCode(ErrCodeValidation).WithTarget(op.Target)
			}
		}
		seen[op.ID] = true
	}
	return nil
}

// ToDOT generates a DOT representation of the plan grouped by phase.
// The output can be rendered with Graphviz tools.
func ToDOT(plan *Plan) string {
	var sb strings.Builder

	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	var phases []Phase
	byPhase := make(map[Phase][]ChangeOp)
	for _, op := range plan.Ops {
		if _, ok := byPhase[op.Phase]; !ok {
			phases = append(phases, op.Phase)
		}
		byPhase[op.Phase] = append(byPhase[op.Phase], op)
	}

	for _, phase := range phases {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_%s {\n", phase))
		sb.WriteString(fmt.Sprintf("    label=%q;\n", string(phase)))
		sb.WriteString("    style=dashed;\n")
		for _, op := range byPhase[phase] {
			label := fmt.Sprintf("%s\\n%s", op.Target, op.Command.Verb)
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				op.ID, label, kindColor(op.Kind)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, op := range plan.Ops {
		for _, dep := range op.DependsOn {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, op.ID))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func kindColor(kind OperationKind) string {
	switch kind {
	case OperationCreate, OperationEnable:
		return "lightgreen"
	case OperationUpdate, OperationSwitch, OperationReorder:
		return "lightblue"
	case OperationDelete, OperationDisable:
		return "lightcoral"
	default:
		return "white"
	}
}
