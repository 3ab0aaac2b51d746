package kvtable

import "bytes"

// MergerOptions define merger specific options.
type MergerOptions struct {
	// Merge resolves values of keys present in more than one source.
	// Default: KeepFirst.
	Merge MergeFunc
}

func (o *MergerOptions) norm() *MergerOptions {
	var oo MergerOptions
	if o != nil {
		oo = *o
	}
	if oo.Merge == nil {
		oo.Merge = KeepFirst
	}
	return &oo
}

// Merger combines multiple sources into a single sorted Source without
// duplicate keys.
//
// When several sources contain the same key, their values are folded in the
// order the sources were added:
//
//	merge(key, merge(key, v0, v1), v2)
//
// A merger only borrows its sources; every source must remain open for as
// long as the merger, or any iterator obtained from it, is in use. A merger
// may itself be added as a source to another merger. Sources must not be
// added while queries are running.
type Merger struct {
	sources []Source
	merge   MergeFunc
}

// NewMerger inits a new merger over the given sources.
func NewMerger(o *MergerOptions, sources ...Source) *Merger {
	return &Merger{
		sources: append([]Source(nil), sources...),
		merge:   o.norm().Merge,
	}
}

// Add adds a source.
func (m *Merger) Add(src Source) {
	m.sources = append(m.sources, src)
}

// NumSources returns the number of sources.
func (m *Merger) NumSources() int { return len(m.sources) }

// Iter implements Source.
func (m *Merger) Iter() Iterator {
	return m.query(func(s Source) Iterator { return s.Iter() })
}

// Exact implements Source.
func (m *Merger) Exact(key []byte) Iterator {
	return m.query(func(s Source) Iterator { return s.Exact(key) })
}

// Prefix implements Source.
func (m *Merger) Prefix(prefix []byte) Iterator {
	return m.query(func(s Source) Iterator { return s.Prefix(prefix) })
}

// Range implements Source.
func (m *Merger) Range(lo, hi []byte) Iterator {
	if bytes.Compare(lo, hi) > 0 {
		return emptyIterator()
	}
	return m.query(func(s Source) Iterator { return s.Range(lo, hi) })
}

func (m *Merger) query(fn func(Source) Iterator) Iterator {
	switch len(m.sources) {
	case 0:
		return emptyIterator()
	case 1:
		return fn(m.sources[0])
	}

	iters := make([]Iterator, len(m.sources))
	for i, s := range m.sources {
		iters[i] = fn(s)
	}
	return newMergeIterator(iters, m.merge)
}

// --------------------------------------------------------------------

// mergeIterator merges sorted iterators using a loser tree. Leaf i (the
// i-th iterator) sits at position len(iters)+i; internal nodes 1..n-1 hold
// the loser of the game played at that position and node 0 holds the
// overall winner.
type mergeIterator struct {
	iters []Iterator
	live  []bool
	nodes []int
	merge MergeFunc

	key, val, tmp []byte

	err           error
	started, done bool
}

func newMergeIterator(iters []Iterator, merge MergeFunc) *mergeIterator {
	return &mergeIterator{
		iters: iters,
		live:  make([]bool, len(iters)),
		nodes: make([]int, len(iters)),
		merge: merge,
	}
}

func (it *mergeIterator) Key() []byte   { return it.key }
func (it *mergeIterator) Value() []byte { return it.val }
func (it *mergeIterator) Err() error    { return it.err }

func (it *mergeIterator) Next() bool {
	if it.err != nil || it.done {
		return false
	}
	if !it.started {
		it.started = true
		if !it.init() {
			return false
		}
	}

	w := it.nodes[0]
	if !it.live[w] {
		it.done = true
		return false
	}

	it.key = append(it.key[:0], it.iters[w].Key()...)
	it.val = append(it.val[:0], it.iters[w].Value()...)
	if !it.advance(w) {
		return false
	}

	// fold all further sources holding the same key, in source order
	for w = it.nodes[0]; it.live[w] && bytes.Equal(it.iters[w].Key(), it.key); w = it.nodes[0] {
		merged := it.merge(it.key, it.val, it.iters[w].Value())
		it.tmp = append(it.tmp[:0], merged...)
		it.val, it.tmp = it.tmp, it.val

		if !it.advance(w) {
			return false
		}
	}
	return true
}

func (it *mergeIterator) Release() {
	for _, sub := range it.iters {
		sub.Release()
	}
	it.iters = it.iters[:0]
	it.done = true
}

func (it *mergeIterator) init() bool {
	for i, sub := range it.iters {
		if it.live[i] = sub.Next(); !it.live[i] {
			if err := sub.Err(); err != nil {
				it.err = err
				return false
			}
		}
	}
	it.nodes[0] = it.play(1)
	return true
}

// advance moves the i-th iterator forward and replays its games.
func (it *mergeIterator) advance(i int) bool {
	sub := it.iters[i]
	if it.live[i] = sub.Next(); !it.live[i] {
		if err := sub.Err(); err != nil {
			it.err = err
			return false
		}
	}
	it.replay(i)
	return true
}

// play returns the winner of the subtree at pos, recording the losers.
func (it *mergeIterator) play(pos int) int {
	n := len(it.iters)
	if pos >= n {
		return pos - n
	}

	left, right := it.play(2*pos), it.play(2*pos+1)
	if it.less(left, right) {
		it.nodes[pos] = right
		return left
	}
	it.nodes[pos] = left
	return right
}

// replay re-runs the games on the path from leaf i to the root.
func (it *mergeIterator) replay(i int) {
	winner := i
	for pos := (i + len(it.iters)) >> 1; pos > 0; pos >>= 1 {
		if it.less(it.nodes[pos], winner) {
			it.nodes[pos], winner = winner, it.nodes[pos]
		}
	}
	it.nodes[0] = winner
}

// less orders iterators by current key, then by source position.
// Exhausted iterators sort last.
func (it *mergeIterator) less(a, b int) bool {
	if !it.live[a] {
		return false
	} else if !it.live[b] {
		return true
	}

	if c := bytes.Compare(it.iters[a].Key(), it.iters[b].Key()); c != 0 {
		return c < 0
	}
	return a < b
}
