package plugins

import (
	"fmt"
	"sort"
	"strings"

	"shadowdog/internal/model"
)

// CycleError is the CycleDetected error from the §7 taxonomy, naming the
// full cycle path.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// DependencyLayering treats each Command as a node whose outputs are its
// artifact paths and whose inputs are its declared files; an edge exists
// from command A to command B when A's output is one of B's inputs. The
// result is a Serial of Parallel layers built by Kahn's algorithm,
// preserving original within-layer order. A cycle produces a *CycleError
// naming the offending outputs and leaves the tree untouched.
func DependencyLayering() func(model.Task) (model.Task, error) {
	return func(t model.Task) (model.Task, error) {
		commands := commandLeaves(t)
		if len(commands) == 0 {
			return t, nil
		}
		return layer(commands)
	}
}

type cmdNode struct {
	task    model.Task
	outputs map[string]struct{}
	index   int // original declaration order, for stable tie-breaking
}

func commandLeaves(t model.Task) []model.Task {
	var out []model.Task
	var walk func(model.Task)
	walk = func(n model.Task) {
		switch n.Kind {
		case model.KindCommand:
			out = append(out, n)
		case model.KindParallel, model.KindSerial:
			for _, c := range n.Children {
				walk(c)
			}
		}
	}
	walk(t)
	return out
}

func layer(commandTasks []model.Task) (model.Task, error) {
	nodes := make([]*cmdNode, len(commandTasks))
	outputToNode := make(map[string]int)

	for i, ct := range commandTasks {
		outs := make(map[string]struct{}, len(ct.Cmd.Artifacts))
		for _, a := range ct.Cmd.Artifacts {
			outs[a.Output] = struct{}{}
			outputToNode[a.Output] = i
		}
		nodes[i] = &cmdNode{task: ct, outputs: outs, index: i}
	}

	outgoing := make([][]int, len(nodes)) // outgoing[i] = nodes that depend on i's output
	indeg := make([]int, len(nodes))
	edgeSeen := make(map[[2]int]struct{})

	for i, ct := range commandTasks {
		for _, f := range ct.Files {
			producer, ok := outputToNode[f]
			if !ok || producer == i {
				continue
			}
			key := [2]int{producer, i}
			if _, dup := edgeSeen[key]; dup {
				continue
			}
			edgeSeen[key] = struct{}{}
			outgoing[producer] = append(outgoing[producer], i)
			indeg[i]++
		}
	}
	for i := range outgoing {
		sort.Ints(outgoing[i])
	}

	layers, err := kahnLayers(outgoing, indeg)
	if err != nil {
		return model.Task{}, newCycleError(nodes, outgoing)
	}

	serialLayers := make([]model.Task, 0, len(layers))
	for _, layerIdxs := range layers {
		sort.Ints(layerIdxs)
		layerTasks := make([]model.Task, 0, len(layerIdxs))
		for _, idx := range layerIdxs {
			layerTasks = append(layerTasks, nodes[idx].task)
		}
		serialLayers = append(serialLayers, model.Parallel(layerTasks...))
	}

	return model.Serial(serialLayers...), nil
}

// kahnLayers peels off zero-indegree nodes in successive rounds; each round
// is one Parallel layer. Within a round, nodes are taken in ascending
// canonical index to keep the result deterministic across runs; the caller
// re-sorts before rendering to preserve original declaration order.
func kahnLayers(outgoing [][]int, indeg []int) ([][]int, error) {
	remaining := make([]int, len(indeg))
	copy(remaining, indeg)

	var layers [][]int
	processed := 0

	for processed < len(remaining) {
		var layer []int
		for i, d := range remaining {
			if d == 0 {
				layer = append(layer, i)
			}
		}
		// Only nodes not already processed should be considered; mark
		// processed nodes with indegree -1 so they never reappear.
		var fresh []int
		for _, i := range layer {
			if remaining[i] == 0 {
				fresh = append(fresh, i)
			}
		}
		if len(fresh) == 0 {
			return nil, fmt.Errorf("cycle")
		}

		for _, i := range fresh {
			remaining[i] = -1
			processed++
			for _, m := range outgoing[i] {
				remaining[m]--
			}
		}
		layers = append(layers, fresh)
	}

	return layers, nil
}

// newCycleError performs a deterministic DFS to extract one witness cycle,
// reporting artifact output names rather than internal indices.
func newCycleError(nodes []*cmdNode, outgoing [][]int) *CycleError {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(nodes))
	parent := make([]int, len(nodes))
	for i := range parent {
		parent[i] = -1
	}

	var cyclePath []int
	var dfs func(u int) bool
	dfs = func(u int) bool {
		color[u] = gray
		order := append([]int{}, outgoing[u]...)
		sort.Ints(order)
		for _, v := range order {
			if color[v] == white {
				parent[v] = u
				if dfs(v) {
					return true
				}
				continue
			}
			if color[v] == gray {
				cyclePath = append(cyclePath, v)
				cur := u
				for cur != -1 && cur != v {
					cyclePath = append(cyclePath, cur)
					cur = parent[cur]
				}
				cyclePath = append(cyclePath, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	order := make([]int, len(nodes))
	for i := range order {
		order[i] = i
	}
	for _, i := range order {
		if color[i] != white {
			continue
		}
		if dfs(i) {
			break
		}
	}

	names := make([]string, 0, len(cyclePath))
	for i := len(cyclePath) - 1; i >= 0; i-- {
		names = append(names, firstOutputName(nodes[cyclePath[i]]))
	}
	return &CycleError{Path: names}
}

func firstOutputName(n *cmdNode) string {
	names := make([]string, 0, len(n.outputs))
	for o := range n.outputs {
		names = append(names, o)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return fmt.Sprintf("command#%d", n.index)
	}
	return names[0]
}
