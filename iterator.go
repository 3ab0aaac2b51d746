package kvtable

import "bytes"

// Iterator is a forward-only cursor over entries in increasing key order.
//
// Keys and values returned by an iterator are temporary buffers and must be
// copied if used beyond the next cursor move. An iterator is not safe for
// concurrent use and must be released once it is no longer needed.
type Iterator interface {
	// Next advances the cursor to the next entry and returns true if successful.
	Next() bool
	// Key returns the key of the current entry.
	Key() []byte
	// Value returns the value of the current entry.
	Value() []byte
	// Err returns the error that stopped the iteration, if any. An
	// exhausted iterator with a nil error simply has no more entries.
	Err() error
	// Release releases the iterator and frees up resources.
	Release()
}

type errIterator struct{ err error }

func (i *errIterator) Next() bool    { return false }
func (i *errIterator) Key() []byte   { return nil }
func (i *errIterator) Value() []byte { return nil }
func (i *errIterator) Err() error    { return i.err }
func (i *errIterator) Release()      {}

func emptyIterator() Iterator { return &errIterator{} }

// boundedIterator stops once stop returns true for the current key.
type boundedIterator struct {
	Iterator
	stop func([]byte) bool
	done bool
}

func (i *boundedIterator) Next() bool {
	if i.done {
		return false
	}
	if !i.Iterator.Next() || i.stop(i.Iterator.Key()) {
		i.done = true
		return false
	}
	return true
}

// exact limits an iterator positioned at key to the single matching entry.
func exact(it Iterator, key []byte) Iterator {
	key = append([]byte(nil), key...)
	return &boundedIterator{Iterator: it, stop: func(k []byte) bool {
		return !bytes.Equal(k, key)
	}}
}

// prefixed limits an iterator positioned at prefix to keys with that prefix.
func prefixed(it Iterator, prefix []byte) Iterator {
	prefix = append([]byte(nil), prefix...)
	return &boundedIterator{Iterator: it, stop: func(k []byte) bool {
		return !bytes.HasPrefix(k, prefix)
	}}
}

// upTo limits an iterator to keys <= hi.
func upTo(it Iterator, hi []byte) Iterator {
	hi = append([]byte(nil), hi...)
	return &boundedIterator{Iterator: it, stop: func(k []byte) bool {
		return bytes.Compare(k, hi) > 0
	}}
}
