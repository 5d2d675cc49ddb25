package pq

// NewWinnerTree creates tournament tree over k players. All of them start inactive.
// less compares current keys of two active players.
func NewWinnerTree(k int, less func(i, j int) bool) *WinnerTree {
	size := 1
	for size < k {
		size <<= 1
	}
	nodes := make([]int, 2*size)
	for i := range nodes {
		nodes[i] = -1
	}
	return &WinnerTree{
		less:   less,
		size:   size,
		active: make([]bool, size),
		nodes:  nodes,
	}
}

// WinnerTree selects the active player with the smallest key.
// Node 1 is the root, leaves start at size. Ties are won by the player with lower index.
type WinnerTree struct {
	less   func(i, j int) bool
	size   int
	active []bool
	nodes  []int
}

// Activate adds player to the tournament.
func (t *WinnerTree) Activate(i int) {
	t.active[i] = true
	t.Replay(i)
}

// Deactivate removes player from the tournament.
func (t *WinnerTree) Deactivate(i int) {
	t.active[i] = false
	t.Replay(i)
}

// DeactivateRange removes players from..to-1 from the tournament.
// Keys of removed players are not compared, so they may be invalid already.
func (t *WinnerTree) DeactivateRange(from, to int) {
	for i := from; i < to; i++ {
		t.active[i] = false
		t.nodes[t.size+i] = -1
	}
	for node := t.size - 1; node > 0; node-- {
		t.nodes[node] = t.winner(t.nodes[2*node], t.nodes[2*node+1])
	}
}

// Active returns true if player takes part in the tournament.
func (t *WinnerTree) Active(i int) bool {
	return t.active[i]
}

// Replay recomputes matches on the path of the player whose key changed.
func (t *WinnerTree) Replay(i int) {
	node := t.size + i
	if t.active[i] {
		t.nodes[node] = i
	} else {
		t.nodes[node] = -1
	}
	for node > 1 {
		node /= 2
		t.nodes[node] = t.winner(t.nodes[2*node], t.nodes[2*node+1])
	}
}

// Top returns the winner. False is returned if no player is active.
func (t *WinnerTree) Top() (int, bool) {
	w := t.nodes[1]
	return w, w >= 0
}

func (t *WinnerTree) winner(a, b int) int {
	switch {
	case a < 0:
		return b
	case b < 0:
		return a
	case t.less(b, a):
		return b
	default:
		return a
	}
}
