package runner

import (
	"sort"

	"github.com/randomizedcoder/go-procsuite/internal/container"
)

// reorderBuffer releases results in index order. Indices that will never
// produce a result are marked skipped so later results are not held back.
type reorderBuffer struct {
	next    int
	pending map[int]*container.Result
	skipped map[int]bool
}

func newReorderBuffer(first int) *reorderBuffer {
	return &reorderBuffer{
		next:    first,
		pending: make(map[int]*container.Result),
		skipped: make(map[int]bool),
	}
}

func (b *reorderBuffer) add(index int, res *container.Result) {
	b.pending[index] = res
}

func (b *reorderBuffer) skip(index int) {
	if index >= b.next {
		b.skipped[index] = true
	}
}

// flush emits every result that is next in line.
func (b *reorderBuffer) flush(emit func(*container.Result)) {
	for {
		if b.skipped[b.next] {
			delete(b.skipped, b.next)
			b.next++
			continue
		}
		res, ok := b.pending[b.next]
		if !ok {
			return
		}
		delete(b.pending, b.next)
		emit(res)
		b.next++
	}
}

// flushAll emits everything still held, in index order, ignoring gaps.
func (b *reorderBuffer) flushAll(emit func(*container.Result)) {
	b.flush(emit)
	indices := make([]int, 0, len(b.pending))
	for i := range b.pending {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	for _, i := range indices {
		emit(b.pending[i])
		delete(b.pending, i)
	}
}
