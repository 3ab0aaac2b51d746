package kvtable

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgryski/go-farm"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// FilesetOptions define fileset specific options.
type FilesetOptions struct {
	// Merge resolves values of keys present in more than one member table.
	// Default: KeepFirst.
	Merge MergeFunc

	// ReloadInterval is the minimum time between two checks of the listing
	// file by Reload. A negative interval checks on every call.
	// Default: 1s.
	ReloadInterval time.Duration

	// Reader configures the member table readers.
	Reader *ReaderOptions

	// Concurrency limits the number of member tables opened in parallel.
	// Default: 4.
	Concurrency int

	// Logger receives reload events.
	// Default: no logging.
	Logger Logger
}

func (o *FilesetOptions) norm() *FilesetOptions {
	var oo FilesetOptions
	if o != nil {
		oo = *o
	}
	if oo.Merge == nil {
		oo.Merge = KeepFirst
	}
	if oo.ReloadInterval < 0 {
		oo.ReloadInterval = 0
	} else if oo.ReloadInterval == 0 {
		oo.ReloadInterval = time.Second
	}
	if oo.Concurrency < 1 {
		oo.Concurrency = 4
	}
	if oo.Logger == nil {
		oo.Logger = nopLogger{}
	}
	return &oo
}

// Fileset is a Source over a changing set of table files. The member tables
// are named in a listing file, one path per line; relative paths are
// resolved against the directory of the listing. Blank lines and lines
// starting with '#' are ignored. Keys present in several members are merged
// in listing order.
//
// Reloads swap the set of member tables atomically. Iterators obtained
// before a reload continue to read from the members they were created
// with; queries issued after a reload observe the new set.
type Fileset struct {
	name string
	dir  string
	o    *FilesetOptions

	mu          sync.Mutex // serialises reloads
	members     map[string]*filesetMember
	lastCheck   time.Time
	fingerprint uint64
	closed      bool

	group    singleflight.Group
	notified atomic.Bool
	snap     atomic.Pointer[filesetSnapshot]
}

// OpenFileset opens a fileset from the named listing file. All member
// tables must exist and be valid.
func OpenFileset(name string, o *FilesetOptions) (*Fileset, error) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return nil, err
	}

	fs := &Fileset{
		name:    abs,
		dir:     filepath.Dir(abs),
		o:       o.norm(),
		members: make(map[string]*filesetMember),
	}
	if err := fs.ReloadNow(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Notify signals that the listing may have changed. The next call to Reload
// checks the listing regardless of the reload interval.
func (fs *Fileset) Notify() { fs.notified.Store(true) }

// Reload checks the listing file if the reload interval has elapsed since
// the last check, or Notify was called, and applies changes to the listing.
// Concurrent calls share a single check.
func (fs *Fileset) Reload() error {
	_, err, _ := fs.group.Do("reload", func() (interface{}, error) {
		return nil, fs.reload(false)
	})
	return err
}

// ReloadNow re-reads the listing file unconditionally. Member tables that
// were replaced on disk since they were opened are reopened. On failure the
// previous set of members remains active.
func (fs *Fileset) ReloadNow() error {
	return fs.reload(true)
}

// Members returns the paths of the current member tables in listing order.
func (fs *Fileset) Members() []string {
	if snap := fs.acquire(); snap != nil {
		defer snap.release()
		return slices.Clone(snap.paths)
	}
	return nil
}

// Iter implements Source.
func (fs *Fileset) Iter() Iterator {
	return fs.query(func(s Source) Iterator { return s.Iter() })
}

// Exact implements Source.
func (fs *Fileset) Exact(key []byte) Iterator {
	return fs.query(func(s Source) Iterator { return s.Exact(key) })
}

// Prefix implements Source.
func (fs *Fileset) Prefix(prefix []byte) Iterator {
	return fs.query(func(s Source) Iterator { return s.Prefix(prefix) })
}

// Range implements Source.
func (fs *Fileset) Range(lo, hi []byte) Iterator {
	return fs.query(func(s Source) Iterator { return s.Range(lo, hi) })
}

// Close closes the fileset. Iterators which are still in use keep their
// member tables open until they are released.
func (fs *Fileset) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return ErrClosed
	}
	fs.closed = true

	if old := fs.snap.Swap(nil); old != nil {
		old.release()
	}

	var err error
	for _, m := range fs.members {
		if e := m.reader.Close(); e != nil && err == nil {
			err = e
		}
	}
	fs.members = nil
	return err
}

func (fs *Fileset) query(fn func(Source) Iterator) Iterator {
	snap := fs.acquire()
	if snap == nil {
		return &errIterator{err: ErrClosed}
	}
	return &snapshotIterator{Iterator: fn(snap.merger), snap: snap}
}

func (fs *Fileset) acquire() *filesetSnapshot {
	for {
		snap := fs.snap.Load()
		if snap == nil {
			return nil
		}
		if snap.retain() {
			return snap
		}
	}
}

func (fs *Fileset) reload(force bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.closed {
		return ErrClosed
	}

	notified := fs.notified.Swap(false)
	if !force && !notified && time.Since(fs.lastCheck) < fs.o.ReloadInterval {
		return nil
	}
	fs.lastCheck = time.Now()

	data, err := os.ReadFile(fs.name)
	if err != nil {
		fs.o.Logger.Log(LogError, "fileset.reload", "failed to read listing", map[string]interface{}{
			"listing": fs.name,
			"error":   err.Error(),
		})
		return errors.Wrap(err, "kvtable: read fileset listing")
	}

	fingerprint := farm.Fingerprint64(data)
	if !force && fingerprint == fs.fingerprint {
		return nil
	}

	next, opened, err := fs.openMembers(parseListing(data, fs.dir))
	if err != nil {
		for _, m := range opened {
			_ = m.reader.Close()
		}
		fs.o.Logger.Log(LogError, "fileset.reload", "failed to open member", map[string]interface{}{
			"listing": fs.name,
			"error":   err.Error(),
		})
		return err
	}

	members := make(map[string]*filesetMember, len(next))
	for _, m := range next {
		members[m.path] = m
	}

	if old := fs.snap.Swap(newFilesetSnapshot(next, fs.o.Merge)); old != nil {
		old.release()
	}

	removed := 0
	for path, m := range fs.members {
		if members[path] != m {
			_ = m.reader.Close()
		}
		if members[path] == nil {
			removed++
		}
	}
	fs.members = members
	fs.fingerprint = fingerprint

	fs.o.Logger.Log(LogInfo, "fileset.reload", "reloaded fileset", map[string]interface{}{
		"listing": fs.name,
		"members": len(next),
		"opened":  len(opened),
		"removed": removed,
	})
	return nil
}

// openMembers returns the members for paths, reusing unchanged open ones.
// It also returns the members it newly opened.
func (fs *Fileset) openMembers(paths []string) ([]*filesetMember, []*filesetMember, error) {
	next := make([]*filesetMember, len(paths))
	fresh := make([]*filesetMember, len(paths))

	var g errgroup.Group
	g.SetLimit(fs.o.Concurrency)

	for i, path := range paths {
		cur := fs.members[path]
		g.Go(func() error {
			fi, err := os.Stat(path)
			if err != nil {
				return errors.Wrap(err, "kvtable: stat fileset member")
			}
			if cur != nil && !cur.changed(fi) {
				next[i] = cur
				return nil
			}

			r, err := Open(path, fs.o.Reader)
			if err != nil {
				return err
			}
			next[i] = &filesetMember{path: path, size: fi.Size(), modTime: fi.ModTime(), reader: r}
			fresh[i] = next[i]
			return nil
		})
	}
	err := g.Wait()

	opened := fresh[:0]
	for _, m := range fresh {
		if m != nil {
			opened = append(opened, m)
		}
	}
	return next, opened, err
}

func parseListing(data []byte, dir string) []string {
	var paths []string
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := string(bytes.TrimSpace(scanner.Bytes()))
		if line == "" || line[0] == '#' {
			continue
		}
		if !filepath.IsAbs(line) {
			line = filepath.Join(dir, line)
		}
		line = filepath.Clean(line)

		if _, ok := seen[line]; !ok {
			seen[line] = struct{}{}
			paths = append(paths, line)
		}
	}
	return paths
}

// --------------------------------------------------------------------

type filesetMember struct {
	path    string
	size    int64
	modTime time.Time
	reader  *Reader
}

func (m *filesetMember) changed(fi os.FileInfo) bool {
	return m.size != fi.Size() || !m.modTime.Equal(fi.ModTime())
}

// filesetSnapshot is an immutable view over a set of member readers. It
// holds a reference on each reader until its last user releases it.
type filesetSnapshot struct {
	paths   []string
	readers []*Reader
	merger  *Merger
	refs    atomic.Int32
}

func newFilesetSnapshot(members []*filesetMember, merge MergeFunc) *filesetSnapshot {
	s := &filesetSnapshot{merger: NewMerger(&MergerOptions{Merge: merge})}
	for _, m := range members {
		m.reader.retain()
		s.paths = append(s.paths, m.path)
		s.readers = append(s.readers, m.reader)
		s.merger.Add(pinnedReader{r: m.reader})
	}
	s.refs.Store(1)
	return s
}

func (s *filesetSnapshot) retain() bool {
	for {
		n := s.refs.Load()
		if n < 1 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *filesetSnapshot) release() {
	if s.refs.Add(-1) == 0 {
		for _, r := range s.readers {
			_ = r.release()
		}
	}
}

type snapshotIterator struct {
	Iterator
	snap *filesetSnapshot
}

func (i *snapshotIterator) Release() {
	i.Iterator.Release()
	if i.snap != nil {
		i.snap.release()
		i.snap = nil
	}
}
