package pool

// taskQueue implements heap.Interface. Higher priority pops first; equal
// priorities pop in submission order.
type taskQueue[P, R any] []*task[P, R]

type task[P, R any] struct {
	id       string
	payload  P
	priority float64
	seq      uint64
	index    int
	future   *Future[R]
}

func (q taskQueue[P, R]) Len() int { return len(q) }

func (q taskQueue[P, R]) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue[P, R]) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue[P, R]) Push(x any) {
	t := x.(*task[P, R])
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue[P, R]) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
