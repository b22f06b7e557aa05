package scheduler

import "github.com/cruciblehq/cruxflow/internal/graph"

// Ready nodes ordered by insertion sequence. Implements [heap.Interface].
type readyQueue []*graph.Node

func (q readyQueue) Len() int           { return len(q) }
func (q readyQueue) Less(i, j int) bool { return q[i].Seq() < q[j].Seq() }
func (q readyQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) {
	*q = append(*q, x.(*graph.Node))
}

func (q *readyQueue) Pop() any {
	old := *q
	n := old[len(old)-1]
	old[len(old)-1] = nil
	*q = old[:len(old)-1]
	return n
}
