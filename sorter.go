package kvtable

import (
	"os"

	"github.com/google/btree"
	"github.com/pkg/errors"
)

// approximate per-entry bookkeeping cost of the in-memory buffer
const sorterEntryOverhead = 48

// SorterOptions define sorter specific options.
type SorterOptions struct {
	// Merge resolves values added under the same key.
	// Default: KeepFirst.
	Merge MergeFunc

	// TempDir is the directory where sorted runs are spilled to.
	// Default: os.TempDir().
	TempDir string

	// MaxMemory is the number of bytes buffered in memory before a sorted
	// run is spilled to disk.
	// Default: 1GiB.
	MaxMemory int

	// Writer configures the spilled runs.
	// Default: &WriterOptions{Compression: NoCompression}.
	Writer *WriterOptions

	// Logger receives spill and cleanup events.
	// Default: no logging.
	Logger Logger
}

func (o *SorterOptions) norm() *SorterOptions {
	var oo SorterOptions
	if o != nil {
		oo = *o
	}
	if oo.Merge == nil {
		oo.Merge = KeepFirst
	}
	if oo.TempDir == "" {
		oo.TempDir = os.TempDir()
	}
	if oo.MaxMemory < 1 {
		oo.MaxMemory = 1 << 30
	}
	if oo.Writer == nil {
		oo.Writer = &WriterOptions{Compression: NoCompression}
	}
	if oo.Logger == nil {
		oo.Logger = nopLogger{}
	}
	return &oo
}

// Sorter accepts entries in arbitrary order and returns them sorted, with
// duplicate keys resolved by the merge function. Entries are buffered in
// memory up to a configured limit and spilled to temporary table files
// beyond it. A Sorter is not safe for concurrent use.
//
// Values of duplicate keys are folded in the order they were added.
// Sorters own their temporary files and must be closed to remove them.
type Sorter struct {
	o *SorterOptions

	mem     *btree.BTreeG[entry]
	memSize int

	runs    []string // spilled run files, in spill order
	readers []*Reader
	final   Source

	err    error // sticky spill error
	closed bool
}

// NewSorter inits a new sorter.
func NewSorter(o *SorterOptions) *Sorter {
	return &Sorter{
		o:   o.norm(),
		mem: btree.NewG(32, entryLess),
	}
}

// Add adds an entry. Keys may be added in any order.
func (s *Sorter) Add(key, value []byte) error {
	if s.closed {
		return ErrClosed
	}
	if s.err != nil {
		return s.err
	}
	if s.final != nil {
		return errFinished
	}

	ent := entry{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	}
	if old, ok := s.mem.Get(ent); ok {
		ent.value = append([]byte(nil), s.o.Merge(ent.key, old.value, ent.value)...)
		s.memSize += len(ent.value) - len(old.value)
	} else {
		s.memSize += len(ent.key) + len(ent.value) + sorterEntryOverhead
	}
	s.mem.ReplaceOrInsert(ent)

	if s.memSize > s.o.MaxMemory {
		if err := s.spill(); err != nil {
			s.err = err
			return err
		}
	}
	return nil
}

// NumRuns returns the number of runs spilled to disk so far.
func (s *Sorter) NumRuns() int { return len(s.runs) }

// Iter finalizes the sorter and returns an iterator over all entries in key
// order. No further entries can be added once the sorter is finalized. The
// iterator must be released before the sorter is closed.
func (s *Sorter) Iter() Iterator {
	src, err := s.source()
	if err != nil {
		return &errIterator{err: err}
	}
	return src.Iter()
}

// Write finalizes the sorter and writes all entries to w. It does not
// close w.
func (s *Sorter) Write(w *Writer) error {
	src, err := s.source()
	if err != nil {
		return err
	}
	return Copy(w, src)
}

// Close releases all resources and removes the temporary files.
func (s *Sorter) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	for _, r := range s.readers {
		if e := r.Close(); e != nil && err == nil {
			err = e
		}
	}
	for _, name := range s.runs {
		if e := os.Remove(name); e != nil && !os.IsNotExist(e) && err == nil {
			err = e
		}
	}
	if len(s.runs) != 0 {
		s.o.Logger.Log(LogDebug, "sorter.cleanup", "removed spilled runs", map[string]interface{}{
			"runs": len(s.runs),
		})
	}

	s.mem.Clear(false)
	s.readers, s.runs, s.final = nil, nil, nil
	return err
}

func (s *Sorter) source() (Source, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.final != nil {
		return s.final, nil
	}

	tail := make(memTable, 0, s.mem.Len())
	s.mem.Ascend(func(ent entry) bool {
		tail = append(tail, ent)
		return true
	})
	if len(s.runs) == 0 {
		s.final = tail
		return s.final, nil
	}

	merger := NewMerger(&MergerOptions{Merge: s.o.Merge})
	for _, name := range s.runs {
		r, err := Open(name, nil)
		if err != nil {
			s.err = errors.Wrap(err, "kvtable: reopen spilled run")
			return nil, s.err
		}
		s.readers = append(s.readers, r)
		merger.Add(r)
	}
	merger.Add(tail)

	s.final = merger
	return s.final, nil
}

func (s *Sorter) spill() error {
	f, err := os.CreateTemp(s.o.TempDir, "kvtable-sort-*.tmp")
	if err != nil {
		return errors.Wrap(err, "kvtable: create spill file")
	}
	s.runs = append(s.runs, f.Name())

	w := newRunWriter(f, s.o.Writer)
	s.mem.Ascend(func(ent entry) bool {
		err = w.Add(ent.key, ent.value)
		return err == nil
	})
	if e := w.Close(); err == nil {
		err = e
	}
	if err != nil {
		s.o.Logger.Log(LogError, "sorter.spill", "failed to spill run", map[string]interface{}{
			"file":  f.Name(),
			"error": err.Error(),
		})
		return errors.Wrap(err, "kvtable: spill run")
	}

	s.o.Logger.Log(LogDebug, "sorter.spill", "spilled sorted run", map[string]interface{}{
		"file":    f.Name(),
		"entries": s.mem.Len(),
		"bytes":   s.memSize,
	})
	s.mem.Clear(false)
	s.memSize = 0
	return nil
}

// newRunWriter writes a spilled run. Runs are removed on Close and never
// synced to disk.
func newRunWriter(f *os.File, o *WriterOptions) *Writer {
	return newFileWriter(f, o, false)
}
