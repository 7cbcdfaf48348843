package engine

import (
	"fmt"
	"sort"
	"strings"
)

// WaveGraph is the validated dependency graph of a plan's waves.
type WaveGraph struct {
	// Levels groups wave numbers by topological depth. Waves in the same level
	// have no dependency on each other.
	Levels [][]int

	// Order is a topological order of all wave numbers.
	Order []int

	// Dependencies maps each wave to its prerequisite waves.
	Dependencies map[int][]int

	// Dependents maps each wave to the waves that depend on it.
	Dependents map[int][]int
}

// DAGBuilder builds the wave dependency graph.
// It validates references, detects cycles, and assigns levels with Kahn's algorithm.
type DAGBuilder struct {
	// waves maps wave numbers to their specs
	waves map[int]*WaveSpec

	// adjacencyList maps wave numbers to the waves that depend on them
	adjacencyList map[int][]int

	// reverseAdjacencyList maps wave numbers to their prerequisites
	reverseAdjacencyList map[int][]int

	// inDegree tracks the number of prerequisites for each wave
	inDegree map[int]int

	// levels maps execution level to wave numbers at that level
	levels [][]int
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		waves:                make(map[int]*WaveSpec),
		adjacencyList:        make(map[int][]int),
		reverseAdjacencyList: make(map[int][]int),
		inDegree:             make(map[int]int),
		levels:               make([][]int, 0),
	}
}

// BuildGraph constructs the wave graph. Every error it returns carries
// ErrCodeInvalidPlan.
func (b *DAGBuilder) BuildGraph(waves []WaveSpec) (*WaveGraph, error) {
	if len(waves) == 0 {
		return nil, NewInvalidPlanError("plan has no waves")
	}

	if err := b.initialize(waves); err != nil {
		return nil, err
	}

	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildWaveGraph(), nil
}

// initialize sets up the internal data structures from wave specs.
func (b *DAGBuilder) initialize(waves []WaveSpec) error {
	for i := range waves {
		wave := &waves[i]
		if wave.Number < 0 {
			return NewInvalidPlanError("wave number %d is negative", wave.Number)
		}
		if _, exists := b.waves[wave.Number]; exists {
			return NewInvalidPlanError("duplicate wave number %d", wave.Number)
		}

		b.waves[wave.Number] = wave
		b.adjacencyList[wave.Number] = make([]int, 0)
		b.reverseAdjacencyList[wave.Number] = make([]int, 0)
		b.inDegree[wave.Number] = 0
	}

	for _, number := range b.sortedNumbers() {
		wave := b.waves[number]
		seen := make(map[int]bool)
		for _, dep := range wave.DependsOn {
			if dep == wave.Number {
				return NewInvalidPlanError("wave %d depends on itself", wave.Number)
			}
			if _, exists := b.waves[dep]; !exists {
				return NewInvalidPlanError("wave %d depends on undeclared wave %d", wave.Number, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true

			// Edge from prerequisite to dependent
			b.adjacencyList[dep] = append(b.adjacencyList[dep], wave.Number)
			b.reverseAdjacencyList[wave.Number] = append(b.reverseAdjacencyList[wave.Number], dep)
			b.inDegree[wave.Number]++
		}
	}

	return nil
}

// detectCycles uses depth-first search to detect circular dependencies.
func (b *DAGBuilder) detectCycles() error {
	visited := make(map[int]bool)
	recStack := make(map[int]bool)

	for _, number := range b.sortedNumbers() {
		if visited[number] {
			continue
		}
		if cycle := b.detectCyclesUtil(number, visited, recStack, nil); cycle != nil {
			return NewInvalidPlanError("circular wave dependency: %s", formatCycle(cycle))
		}
	}

	return nil
}

// detectCyclesUtil performs DFS and returns the cycle path if one is found.
func (b *DAGBuilder) detectCyclesUtil(
	number int,
	visited map[int]bool,
	recStack map[int]bool,
	path []int,
) []int {
	visited[number] = true
	recStack[number] = true
	path = append(path, number)

	for _, dependent := range b.adjacencyList[number] {
		if !visited[dependent] {
			if cycle := b.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, n := range path {
				if n == dependent {
					return append(append([]int{}, path[i:]...), dependent)
				}
			}
		}
	}

	recStack[number] = false
	return nil
}

// computeLevels assigns levels to each wave using Kahn's algorithm.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[int]int, len(b.inDegree))
	for n, degree := range b.inDegree {
		inDegreeCopy[n] = degree
	}

	currentLevel := make([]int, 0)
	for _, n := range b.sortedNumbers() {
		if inDegreeCopy[n] == 0 {
			currentLevel = append(currentLevel, n)
		}
	}

	if len(currentLevel) == 0 {
		return NewInvalidPlanError("no root waves found - every wave has a prerequisite")
	}

	processed := 0
	for len(currentLevel) > 0 {
		b.levels = append(b.levels, currentLevel)
		processed += len(currentLevel)

		nextLevel := make([]int, 0)
		for _, n := range currentLevel {
			for _, dependent := range b.adjacencyList[n] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		sort.Ints(nextLevel)
		currentLevel = nextLevel
	}

	if processed != len(b.waves) {
		return NewInvalidPlanError("failed to order all waves - possible cycle")
	}

	return nil
}

// buildWaveGraph creates the final WaveGraph structure.
func (b *DAGBuilder) buildWaveGraph() *WaveGraph {
	graph := &WaveGraph{
		Levels:       b.levels,
		Order:        make([]int, 0, len(b.waves)),
		Dependencies: make(map[int][]int, len(b.waves)),
		Dependents:   make(map[int][]int, len(b.waves)),
	}
	for _, level := range b.levels {
		graph.Order = append(graph.Order, level...)
	}
	for n := range b.waves {
		graph.Dependencies[n] = b.reverseAdjacencyList[n]
		graph.Dependents[n] = b.adjacencyList[n]
	}
	return graph
}

func (b *DAGBuilder) sortedNumbers() []int {
	numbers := make([]int, 0, len(b.waves))
	for n := range b.waves {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []int) string {
	parts := make([]string, len(cycle))
	for i, n := range cycle {
		parts[i] = fmt.Sprintf("wave %d", n)
	}
	return strings.Join(parts, " -> ")
}

// ValidatePlan checks a plan before any state is created: identity fields,
// wave numbering, server membership, and the dependency graph.
func ValidatePlan(plan *PlanSpec) (*WaveGraph, error) {
	if plan == nil {
		return nil, NewInvalidPlanError("plan is nil")
	}
	if strings.TrimSpace(plan.PlanID) == "" {
		return nil, NewInvalidPlanError("plan id is required")
	}
	if err := plan.Kind.Validate(); err != nil {
		return nil, NewInvalidPlanError("%v", err)
	}

	graph, err := NewDAGBuilder().BuildGraph(plan.Waves)
	if err != nil {
		return nil, err
	}

	// Wave numbers must be exactly 0..N-1
	for i := range plan.Waves {
		if plan.Waves[i].Number >= len(plan.Waves) {
			return nil, NewInvalidPlanError("wave numbers must be contiguous from 0; found %d in a %d-wave plan",
				plan.Waves[i].Number, len(plan.Waves))
		}
	}

	owner := make(map[string]int)
	for i := range plan.Waves {
		wave := &plan.Waves[i]
		if len(wave.ServerIDs) == 0 {
			return nil, NewInvalidPlanError("wave %d has no servers", wave.Number)
		}
		if wave.PauseBefore && wave.Number == 0 {
			return nil, NewInvalidPlanError("wave 0 cannot pause before it starts")
		}
		for _, id := range wave.ServerIDs {
			if strings.TrimSpace(id) == "" {
				return nil, NewInvalidPlanError("wave %d has an empty server id", wave.Number)
			}
			if prev, dup := owner[id]; dup {
				return nil, NewInvalidPlanError("server %s appears in wave %d and wave %d", id, prev, wave.Number)
			}
			owner[id] = wave.Number
		}
	}

	return graph, nil
}
