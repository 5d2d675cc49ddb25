package merge

// LoserTree selects the smallest head among k sequences.
// Internal nodes keep the losers of their matches and the overall winner is kept in node 0.
// Exhausted sequences are represented by the sentinel flag which loses every match, so every value of T,
// including the zero one, is a valid head.
// Ties are won by the sequence with lower index.
type LoserTree[T any] struct {
	less  func(a, b T) bool
	size  int
	heads []T
	done  []bool
	nodes []int
}

// NewLoserTree creates tree for k sequences. All of them start exhausted.
func NewLoserTree[T any](k int, less func(a, b T) bool) *LoserTree[T] {
	size := 1
	for size < k {
		size <<= 1
	}
	done := make([]bool, size)
	for i := range done {
		done[i] = true
	}
	return &LoserTree[T]{
		less:  less,
		size:  size,
		heads: make([]T, size),
		done:  done,
		nodes: make([]int, size),
	}
}

// Set stores the head of the sequence. It must be followed by Build.
func (t *LoserTree[T]) Set(i int, head T) {
	t.heads[i] = head
	t.done[i] = false
}

// Build plays the tournament.
func (t *LoserTree[T]) Build() {
	t.nodes[0] = t.build(1)
}

// Winner returns the index of the sequence with the smallest head.
// False is returned if all the sequences are exhausted.
func (t *LoserTree[T]) Winner() (int, bool) {
	w := t.nodes[0]
	return w, !t.done[w]
}

// Head returns the head of the winner.
func (t *LoserTree[T]) Head() T {
	return t.heads[t.nodes[0]]
}

// Replace sets the new head of the winner and replays its path.
func (t *LoserTree[T]) Replace(head T) {
	w := t.nodes[0]
	t.heads[w] = head
	t.replay(w)
}

// Exhaust marks the winner as exhausted and replays its path.
func (t *LoserTree[T]) Exhaust() {
	w := t.nodes[0]
	var zero T
	t.heads[w] = zero
	t.done[w] = true
	t.replay(w)
}

func (t *LoserTree[T]) build(node int) int {
	if node >= t.size {
		return node - t.size
	}
	l := t.build(2 * node)
	r := t.build(2*node + 1)
	if t.wins(l, r) {
		t.nodes[node] = r
		return l
	}
	t.nodes[node] = l
	return r
}

func (t *LoserTree[T]) replay(winner int) {
	for node := (winner + t.size) / 2; node > 0; node /= 2 {
		if loser := t.nodes[node]; t.wins(loser, winner) {
			t.nodes[node], winner = winner, loser
		}
	}
	t.nodes[0] = winner
}

// wins returns true if sequence a beats sequence b.
// T has no supremum value in general, so the sentinel is the done flag rather than a key. Flags are
// compared once and heads only if both sequences are live.
func (t *LoserTree[T]) wins(a, b int) bool {
	da, db := t.done[a], t.done[b]
	if da != db {
		return db
	}
	if da {
		return a < b
	}
	if t.less(t.heads[b], t.heads[a]) {
		return false
	}
	return a < b || t.less(t.heads[a], t.heads[b])
}
