package kvtable

import (
	"bytes"
	"sort"
)

type entry struct {
	key, value []byte
}

func entryLess(a, b entry) bool { return bytes.Compare(a.key, b.key) < 0 }

// memTable is a Source over a sorted, duplicate-free slice of entries.
type memTable []entry

func (t memTable) search(key []byte) int {
	return sort.Search(len(t), func(i int) bool {
		return bytes.Compare(t[i].key, key) >= 0
	})
}

func (t memTable) Iter() Iterator { return &memIterator{ents: t, pos: -1} }

func (t memTable) Exact(key []byte) Iterator {
	if i := t.search(key); i < len(t) && bytes.Equal(t[i].key, key) {
		return &memIterator{ents: t[i : i+1], pos: -1}
	}
	return emptyIterator()
}

func (t memTable) Prefix(prefix []byte) Iterator {
	return prefixed(&memIterator{ents: t[t.search(prefix):], pos: -1}, prefix)
}

func (t memTable) Range(lo, hi []byte) Iterator {
	if bytes.Compare(lo, hi) > 0 {
		return emptyIterator()
	}
	return upTo(&memIterator{ents: t[t.search(lo):], pos: -1}, hi)
}

type memIterator struct {
	ents []entry
	pos  int
}

func (i *memIterator) Next() bool {
	if i.pos+1 >= len(i.ents) {
		i.pos = len(i.ents)
		return false
	}
	i.pos++
	return true
}

func (i *memIterator) Key() []byte   { return i.ents[i.pos].key }
func (i *memIterator) Value() []byte { return i.ents[i.pos].value }
func (i *memIterator) Err() error    { return nil }
func (i *memIterator) Release()      { i.ents = nil }
