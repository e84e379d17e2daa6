// Package ordering places tasks inside a column using fractional positions,
// so a single move never renumbers the other tasks of the column.
package ordering

import (
	"sort"

	"board-sync/domain"
)

// Baseline is the order given to the first task of an empty column.
const Baseline = 0.0

// Neighbors are the orders of the tasks that will surround a moved task.
// Before precedes the insertion point, After follows it. A nil side means the
// task lands on that boundary of the column.
type Neighbors struct {
	Before *float64
	After  *float64
}

// ComputeOrder returns the order for a task inserted between its neighbors.
func ComputeOrder(n Neighbors) float64 {
	switch {
	case n.Before == nil && n.After == nil:
		return Baseline
	case n.Before == nil:
		return *n.After - 1
	case n.After == nil:
		return *n.Before + 1
	default:
		return (*n.Before + *n.After) / 2
	}
}

// Between is ComputeOrder that also reports whether the result is strictly
// between both neighbors. Repeated midpoints eventually run out of float64
// precision; callers should renumber the column when ok is false.
func Between(n Neighbors) (order float64, ok bool) {
	order = ComputeOrder(n)
	if n.Before != nil && !(order > *n.Before) {
		return order, false
	}
	if n.After != nil && !(order < *n.After) {
		return order, false
	}
	return order, true
}

// NeighborsAt returns the neighbors for inserting at index into a column whose
// orders are already sorted ascending. Indexes outside the column clamp to
// the head or tail.
func NeighborsAt(sorted []float64, index int) Neighbors {
	if index < 0 {
		index = 0
	}
	if index > len(sorted) {
		index = len(sorted)
	}
	var n Neighbors
	if index > 0 {
		v := sorted[index-1]
		n.Before = &v
	}
	if index < len(sorted) {
		v := sorted[index]
		n.After = &v
	}
	return n
}

// Renumber returns evenly spaced orders for a column of n tasks.
func Renumber(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = Baseline + float64(i)
	}
	return out
}

// Less reports whether a sorts before b: by order, then by id for display.
func Less(a, b domain.Task) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.ID < b.ID
}

// Sort orders tasks in place.
func Sort(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool { return Less(tasks[i], tasks[j]) })
}

// Column returns the tasks of one column sorted, leaving out excludeID.
func Column(tasks []domain.Task, column, excludeID string) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Column != column || t.ID == excludeID {
			continue
		}
		out = append(out, t)
	}
	Sort(out)
	return out
}

// Orders extracts the orders of already sorted tasks.
func Orders(tasks []domain.Task) []float64 {
	out := make([]float64, len(tasks))
	for i, t := range tasks {
		out[i] = t.Order
	}
	return out
}
