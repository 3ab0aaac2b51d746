package kvtable_test

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/bsm/kvtable"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Writer", func() {
	var buf *bytes.Buffer
	var subject *kvtable.Writer
	var testdata = []byte("testdata")

	BeforeEach(func() {
		buf = new(bytes.Buffer)
		subject = kvtable.NewWriter(buf, nil)
	})

	AfterEach(func() {
		_ = subject.Close()
	})

	It("should write empty", func() {
		Expect(subject.Close()).To(Succeed())
		Expect(buf.Len()).To(Equal(89))
		Expect(buf.String()[buf.Len()-8:]).To(Equal("kvtb\xcc\x31\x07\xe9"))

		r, err := kvtable.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), &kvtable.ReaderOptions{VerifyChecksums: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(r.NumBlocks()).To(Equal(0))
		Expect(mustDrain(r.Iter())).To(BeEmpty())
	})

	It("should prevent out-of-order appends", func() {
		Expect(subject.Add([]byte("20"), testdata)).To(Succeed())
		Expect(subject.Add([]byte("19"), testdata)).To(MatchError(`kvtable: attempted an out-of-order append, "19" must be > "20"`))
		Expect(subject.Add([]byte("22"), testdata)).To(Succeed())
		Expect(subject.Add([]byte("20"), testdata)).To(MatchError(`kvtable: attempted an out-of-order append, "20" must be > "22"`))
		Expect(subject.Add([]byte("23"), testdata)).To(Succeed())
		Expect(subject.Add([]byte("23"), testdata)).To(MatchError(`kvtable: attempted an out-of-order append, "23" must be > "23"`))
		Expect(subject.Add([]byte("230"), testdata)).To(Succeed())
		Expect(subject.Add([]byte("3"), testdata)).To(Succeed())
		Expect(subject.Metadata().EntryCount).To(Equal(uint64(4)))
	})

	It("should accept an empty first key", func() {
		Expect(subject.Add(nil, testdata)).To(Succeed())
		Expect(subject.Add([]byte{}, testdata)).To(MatchError(`kvtable: attempted an out-of-order append, "" must be > ""`))
		Expect(subject.Add([]byte{0}, testdata)).To(Succeed())
		Expect(subject.Close()).To(Succeed())
	})

	It("should reject use after close", func() {
		Expect(subject.Add([]byte("a"), testdata)).To(Succeed())
		Expect(subject.Close()).To(Succeed())
		Expect(subject.Add([]byte("b"), testdata)).To(MatchError(kvtable.ErrClosed))
		Expect(subject.Close()).To(MatchError(kvtable.ErrClosed))
	})

	It("should write (non-compressable)", func() {
		rnd := rand.New(rand.NewSource(1))
		val := make([]byte, 128)

		for i := 0; i < 50000; i++ {
			_, err := rnd.Read(val)
			Expect(err).NotTo(HaveOccurred())
			Expect(subject.Add(seedKey(i*2), val)).To(Succeed())
		}
		Expect(subject.Close()).To(Succeed())
		Expect(buf.Len()).To(BeNumerically(">", 50000*128))
		Expect(buf.Len()).To(BeNumerically("<", 50000*(128+16)))
		Expect(buf.String()[buf.Len()-8:]).To(Equal("kvtb\xcc\x31\x07\xe9"))
	})

	It("should write (well-compressable)", func() {
		val := bytes.Repeat(testdata, 16)
		for i := 0; i < 50000; i++ {
			Expect(subject.Add(seedKey(i*2), val)).To(Succeed())
		}
		Expect(subject.Close()).To(Succeed())
		Expect(buf.Len()).To(BeNumerically("<", 50000*128/4))
	})

	It("should record metadata", func() {
		subject = kvtable.NewWriter(buf, &kvtable.WriterOptions{Compression: kvtable.ZlibCompression})
		Expect(subject.Add([]byte("key"), []byte("value"))).To(Succeed())
		Expect(subject.Close()).To(Succeed())

		meta := subject.Metadata()
		Expect(meta.EntryCount).To(Equal(uint64(1)))
		Expect(meta.DataBlockCount).To(Equal(uint64(1)))
		Expect(meta.KeyBytes).To(Equal(uint64(3)))
		Expect(meta.ValueBytes).To(Equal(uint64(5)))
		Expect(meta.DataBlockSize).To(Equal(uint64(8192)))
		Expect(meta.Compression).To(Equal(kvtable.ZlibCompression))
		Expect(meta.IndexBlockOffset).To(Equal(meta.DataBlockBytes))
		Expect(meta.IndexBlockOffset + meta.IndexBlockBytes + 80).To(Equal(uint64(buf.Len())))

		r, err := kvtable.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), &kvtable.ReaderOptions{VerifyChecksums: true})
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Metadata()).To(Equal(meta))
		Expect(r.Get([]byte("key"))).To(Equal([]byte("value")))
		_, err = r.Get([]byte("not"))
		Expect(err).To(MatchError(kvtable.ErrNotFound))
	})

	It("should fail on write errors", func() {
		subject = kvtable.NewWriter(&failingWriter{limit: 1000}, &kvtable.WriterOptions{
			BlockSize:   256,
			Compression: kvtable.NoCompression,
		})

		var err error
		for i := 0; i < 1000 && err == nil; i++ {
			err = subject.Add(seedKey(i), testdata)
		}
		Expect(err).To(MatchError(errWriteFailed))
		Expect(subject.Add(seedKey(5000), testdata)).To(MatchError(errWriteFailed))
		Expect(subject.Close()).To(MatchError(errWriteFailed))
	})

	Describe("CreateFile", func() {
		var dir string

		BeforeEach(func() {
			dir = tempDir()
		})

		AfterEach(func() {
			Expect(os.RemoveAll(dir)).To(Succeed())
		})

		It("should create tables", func() {
			name := filepath.Join(dir, "table.kvt")
			writeTable(name, "a:1", "b:2")

			r, err := kvtable.Open(name, nil)
			Expect(err).NotTo(HaveOccurred())
			defer r.Close()
			Expect(mustDrain(r.Iter())).To(Equal([]string{"a:1", "b:2"}))
		})

		It("should not overwrite existing files", func() {
			name := filepath.Join(dir, "table.kvt")
			Expect(os.WriteFile(name, testdata, 0o644)).To(Succeed())

			_, err := kvtable.CreateFile(name, nil)
			Expect(os.IsExist(err)).To(BeTrue())
		})
	})
})

// --------------------------------------------------------------------

var errWriteFailed = errors.New("write failed")

type failingWriter struct {
	limit, written int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.written+len(p) > w.limit {
		return 0, errWriteFailed
	}
	w.written += len(p)
	return len(p), nil
}
