package kvtable_test

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/bsm/kvtable"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Merger", func() {
	var r1, r2, r3 *kvtable.Reader
	var subject *kvtable.Merger

	BeforeEach(func() {
		r1 = memReader("a:1", "c:1", "d:1", "f:1")
		r2 = memReader("b:2", "c:2", "f:2", "g:2")
		r3 = memReader("c:3", "e:3", "f:3")
		subject = kvtable.NewMerger(&kvtable.MergerOptions{Merge: concat}, r1, r2, r3)
	})

	It("should merge in key order", func() {
		Expect(subject.NumSources()).To(Equal(3))
		Expect(mustDrain(subject.Iter())).To(Equal([]string{
			"a:1",
			"b:2",
			"c:1+2+3",
			"d:1",
			"e:3",
			"f:1+2+3",
			"g:2",
		}))
	})

	It("should fold in source order", func() {
		subject = kvtable.NewMerger(&kvtable.MergerOptions{Merge: concat}, r3, r1)
		subject.Add(r2)
		Expect(mustDrain(subject.Exact([]byte("c")))).To(Equal([]string{"c:3+1+2"}))
	})

	It("should keep the first value by default", func() {
		subject = kvtable.NewMerger(nil, r1, r2, r3)
		Expect(mustDrain(subject.Iter())).To(Equal([]string{
			"a:1", "b:2", "c:1", "d:1", "e:3", "f:1", "g:2",
		}))

		subject = kvtable.NewMerger(&kvtable.MergerOptions{Merge: kvtable.KeepLast}, r1, r2, r3)
		Expect(kvtable.Get(subject, []byte("f"))).To(Equal([]byte("3")))
	})

	It("should support queries", func() {
		Expect(mustDrain(subject.Exact([]byte("f")))).To(Equal([]string{"f:1+2+3"}))
		Expect(mustDrain(subject.Exact([]byte("x")))).To(BeEmpty())
		Expect(mustDrain(subject.Prefix([]byte("c")))).To(Equal([]string{"c:1+2+3"}))
		Expect(mustDrain(subject.Prefix([]byte("cc")))).To(BeEmpty())
		Expect(mustDrain(subject.Range([]byte("b"), []byte("e")))).To(Equal([]string{
			"b:2", "c:1+2+3", "d:1", "e:3",
		}))
		Expect(mustDrain(subject.Range([]byte("bb"), []byte("dd")))).To(Equal([]string{
			"c:1+2+3", "d:1",
		}))
		Expect(mustDrain(subject.Range([]byte("e"), []byte("b")))).To(BeEmpty())

		Expect(kvtable.Get(subject, []byte("c"))).To(Equal([]byte("1+2+3")))
		_, err := kvtable.Get(subject, []byte("x"))
		Expect(err).To(MatchError(kvtable.ErrNotFound))
	})

	It("should handle zero and one sources", func() {
		Expect(mustDrain(kvtable.NewMerger(nil).Iter())).To(BeEmpty())
		Expect(mustDrain(kvtable.NewMerger(nil, r3).Iter())).To(Equal([]string{"c:3", "e:3", "f:3"}))
		Expect(mustDrain(kvtable.NewMerger(nil, r3, memReader()).Iter())).To(Equal([]string{"c:3", "e:3", "f:3"}))
	})

	It("should nest", func() {
		inner := kvtable.NewMerger(&kvtable.MergerOptions{Merge: concat}, r1, r2)
		outer := kvtable.NewMerger(&kvtable.MergerOptions{Merge: concat}, inner, r3)
		Expect(mustDrain(outer.Iter())).To(Equal(mustDrain(subject.Iter())))
	})

	It("should write merged tables", func() {
		buf := new(bytes.Buffer)
		w := kvtable.NewWriter(buf, nil)
		Expect(kvtable.Copy(w, subject)).To(Succeed())
		Expect(w.Close()).To(Succeed())
		Expect(w.Metadata().EntryCount).To(Equal(uint64(7)))
	})

	It("should propagate errors", func() {
		failing := &failingSource{entries: []string{"b:x", "d:x"}, err: errors.New("boom")}
		subject.Add(failing)

		iter := subject.Iter()
		defer iter.Release()

		var keys []string
		for iter.Next() {
			keys = append(keys, string(iter.Key()))
		}
		Expect(iter.Err()).To(MatchError("boom"))
		Expect(keys).To(Equal([]string{"a", "b", "c"}))
		Expect(iter.Next()).To(BeFalse())
	})

	It("should merge random sources", func() {
		rnd := rand.New(rand.NewSource(33))
		expected := make(map[string]string)
		merger := kvtable.NewMerger(&kvtable.MergerOptions{Merge: kvtable.KeepLast})

		for s := 0; s < 7; s++ {
			seen := make(map[string]string)
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("%04d", rnd.Intn(1000))
				seen[key] = fmt.Sprintf("%d.%d", s, i)
			}

			pairs := make([]string, 0, len(seen))
			for k, v := range seen {
				pairs = append(pairs, k+":"+v)
				expected[k] = v
			}
			sort.Strings(pairs)
			merger.Add(memReader(pairs...))
		}

		want := make([]string, 0, len(expected))
		for k, v := range expected {
			want = append(want, k+":"+v)
		}
		sort.Strings(want)

		Expect(mustDrain(merger.Iter())).To(Equal(want))
	})
})

// --------------------------------------------------------------------

// failingSource yields its entries, then fails.
type failingSource struct {
	entries []string
	err     error
}

func (s *failingSource) Iter() kvtable.Iterator             { return &failingIterator{src: s, pos: -1} }
func (s *failingSource) Exact(_ []byte) kvtable.Iterator    { return s.Iter() }
func (s *failingSource) Prefix(_ []byte) kvtable.Iterator   { return s.Iter() }
func (s *failingSource) Range(_, _ []byte) kvtable.Iterator { return s.Iter() }

type failingIterator struct {
	src *failingSource
	pos int
	err error
}

func (i *failingIterator) Next() bool {
	if i.err != nil {
		return false
	}
	if i.pos++; i.pos < len(i.src.entries) {
		return true
	}
	i.err = i.src.err
	return false
}

func (i *failingIterator) Key() []byte {
	k, _, _ := strings.Cut(i.src.entries[i.pos], ":")
	return []byte(k)
}

func (i *failingIterator) Value() []byte {
	_, v, _ := strings.Cut(i.src.entries[i.pos], ":")
	return []byte(v)
}

func (i *failingIterator) Err() error { return i.err }
func (i *failingIterator) Release()   {}
