package kvtable_test

import (
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/bsm/kvtable"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"
)

var _ = Describe("Sorter", func() {
	var dir string
	var subject *kvtable.Sorter

	seed := func(s *kvtable.Sorter) {
		rnd := rand.New(rand.NewSource(7))
		for i := 0; i < 2000; i++ {
			key := fmt.Sprintf("k%03d", rnd.Intn(500))
			ExpectWithOffset(1, s.Add([]byte(key), []byte(fmt.Sprint(i)))).To(Succeed())
		}
	}

	BeforeEach(func() {
		dir = tempDir()
		subject = kvtable.NewSorter(&kvtable.SorterOptions{
			Merge:     concat,
			TempDir:   dir,
			MaxMemory: 4096,
		})
	})

	AfterEach(func() {
		Expect(subject.Close()).To(Succeed())
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	It("should sort in memory", func() {
		subject = kvtable.NewSorter(&kvtable.SorterOptions{Merge: concat, TempDir: dir})
		Expect(subject.Add([]byte("c"), []byte("1"))).To(Succeed())
		Expect(subject.Add([]byte("a"), []byte("2"))).To(Succeed())
		Expect(subject.Add([]byte("c"), []byte("3"))).To(Succeed())
		Expect(subject.Add([]byte("b"), []byte("4"))).To(Succeed())
		Expect(subject.Add([]byte("c"), []byte("5"))).To(Succeed())
		Expect(subject.NumRuns()).To(Equal(0))

		Expect(mustDrain(subject.Iter())).To(Equal([]string{"a:2", "b:4", "c:1+3+5"}))
		Expect(listDir(dir)).To(BeEmpty())
	})

	It("should spill to disk", func() {
		seed(subject)
		Expect(subject.NumRuns()).To(BeNumerically(">", 3))
		Expect(listDir(dir)).To(HaveLen(subject.NumRuns()))

		inmem := kvtable.NewSorter(&kvtable.SorterOptions{Merge: concat, TempDir: dir})
		defer inmem.Close()
		seed(inmem)
		Expect(inmem.NumRuns()).To(Equal(0))

		expected := mustDrain(inmem.Iter())
		Expect(len(expected)).To(BeNumerically(">", 450))
		Expect(mustDrain(subject.Iter())).To(Equal(expected))

		// iterating again returns the same result
		Expect(mustDrain(subject.Iter())).To(Equal(expected))
	})

	It("should write tables", func() {
		seed(subject)

		buf := new(bytes.Buffer)
		w := kvtable.NewWriter(buf, nil)
		Expect(subject.Write(w)).To(Succeed())
		Expect(w.Close()).To(Succeed())

		r, err := kvtable.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(mustDrain(r.Iter())).To(Equal(mustDrain(subject.Iter())))
	})

	It("should prevent adds once finalized", func() {
		Expect(subject.Add([]byte("a"), []byte("1"))).To(Succeed())
		Expect(mustDrain(subject.Iter())).To(Equal([]string{"a:1"}))
		Expect(subject.Add([]byte("b"), []byte("2"))).To(HaveOccurred())
	})

	It("should remove temporary files on close", func() {
		seed(subject)
		Expect(listDir(dir)).NotTo(BeEmpty())
		Expect(mustDrain(subject.Iter())).NotTo(BeEmpty())

		Expect(subject.Close()).To(Succeed())
		Expect(listDir(dir)).To(BeEmpty())
		Expect(subject.Close()).To(Succeed())

		Expect(subject.Add([]byte("a"), []byte("1"))).To(MatchError(kvtable.ErrClosed))
		_, err := drain(subject.Iter())
		Expect(err).To(MatchError(kvtable.ErrClosed))
	})

	It("should fail when runs cannot be spilled", func() {
		subject = kvtable.NewSorter(&kvtable.SorterOptions{
			TempDir:   filepath.Join(dir, "missing"),
			MaxMemory: 64,
		})

		err := subject.Add([]byte("key"), bytes.Repeat([]byte("x"), 100))
		Expect(err).To(HaveOccurred())
		Expect(os.IsNotExist(errors.Cause(err))).To(BeTrue())
		Expect(subject.Add([]byte("key2"), []byte("y"))).To(MatchError(err))

		_, err = drain(subject.Iter())
		Expect(err).To(HaveOccurred())
	})

	It("should not sync spilled runs", func() {
		f, err := os.CreateTemp(dir, "run-*.kvt")
		Expect(err).NotTo(HaveOccurred())

		w := kvtable.NewRunWriter(f)
		Expect(kvtable.SyncsOnClose(w)).To(BeFalse())
		Expect(w.Add([]byte("a"), []byte("1"))).To(Succeed())
		Expect(w.Close()).To(Succeed())

		r, err := kvtable.Open(f.Name(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(mustDrain(r.Iter())).To(Equal([]string{"a:1"}))
		Expect(r.Close()).To(Succeed())

		created, err := kvtable.CreateFile(filepath.Join(dir, "table.kvt"), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(kvtable.SyncsOnClose(created)).To(BeTrue())
		Expect(created.Close()).To(Succeed())
	})

	It("should log spills", func() {
		logs := new(bytes.Buffer)
		subject = kvtable.NewSorter(&kvtable.SorterOptions{
			TempDir:   dir,
			MaxMemory: 4096,
			Logger:    kvtable.NewJSONLogger(logs, "sorter", kvtable.LogDebug),
		})
		seed(subject)
		Expect(subject.Close()).To(Succeed())

		Expect(logs.String()).To(ContainSubstring(`"event_type":"sorter.spill"`))
		Expect(logs.String()).To(ContainSubstring(`"event_type":"sorter.cleanup"`))
	})
})
