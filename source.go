package kvtable

// Source is the read capability shared by readers, mergers, filesets and
// sorted in-memory tables. Every query returns an iterator over matching
// entries in increasing key order. A query without matches returns an
// iterator that is exhausted on the first call to Next and reports no error.
type Source interface {
	// Iter iterates over all entries.
	Iter() Iterator
	// Exact returns the entry stored under key, if any.
	Exact(key []byte) Iterator
	// Prefix iterates over all entries whose keys start with prefix.
	Prefix(prefix []byte) Iterator
	// Range iterates over all entries with lo <= key <= hi.
	Range(lo, hi []byte) Iterator
}

// MergeFunc resolves two values stored under the same key into one. The
// arguments are only valid for the duration of the call; the returned
// slice may alias either value.
type MergeFunc func(key, a, b []byte) []byte

// KeepFirst is a MergeFunc that retains the first value.
func KeepFirst(_, a, _ []byte) []byte { return a }

// KeepLast is a MergeFunc that retains the last value.
func KeepLast(_, _, b []byte) []byte { return b }

// Get retrieves a single value from src. It returns ErrNotFound if the key
// does not exist.
func Get(src Source, key []byte) ([]byte, error) {
	return appendValue(nil, src, key)
}

func appendValue(dst []byte, src Source, key []byte) ([]byte, error) {
	iter := src.Exact(key)
	defer iter.Release()

	if !iter.Next() {
		if err := iter.Err(); err != nil {
			return dst, err
		}
		return dst, ErrNotFound
	}
	return append(dst, iter.Value()...), nil
}

// Copy writes all entries of src to w. It does not close w.
func Copy(w *Writer, src Source) error {
	iter := src.Iter()
	defer iter.Release()

	for iter.Next() {
		if err := w.Add(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Err()
}
