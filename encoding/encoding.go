// Package encoding reads the Encoding table: the authoritative map from
// content keys (digests of decoded file bytes) to one or more encoding keys
// (digests of the BLTE-wrapped on-wire bytes), plus the ESpec compression
// recipe and encoded size for each encoding key.
//
// The table is opened once per build and memory-mapped for the lifetime of
// the instance (see OpenFile); lookups perform a directory binary search
// followed by a bounded page scan, exactly like the teacher's
// compactindexsized hashtable index, generalized here to a sorted
// (non-hashed) two-level page layout.
package encoding

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"io"
	"sync"

	"github.com/ngdp-go/tactcore/binutil"
	"github.com/ngdp-go/tactcore/errs"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/exp/mmap"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Magic is the two-byte tag at the start of an Encoding file.
var Magic = [2]byte{'E', 'N'}

const headerSize = 22

// Header is the fixed 22-byte Encoding file header.
type Header struct {
	Version         uint8
	CKeySize        uint8
	EKeySize        uint8
	CKeyPageSizeKB  uint16
	ESpecPageSizeKB uint16
	CKeyPageCount   uint32
	ESpecPageCount  uint32
	ESpecBlockSize  uint32
}

func parseHeader(buf []byte) (Header, error) {
	const op = "encoding.parseHeader"
	var h Header
	if len(buf) < headerSize {
		return h, errs.Corruptf(op, "truncated header: need %d bytes, have %d", headerSize, len(buf))
	}
	if buf[0] != Magic[0] || buf[1] != Magic[1] {
		return h, errs.Corruptf(op, "bad magic %q", buf[:2])
	}
	h.Version = buf[2]
	if h.Version != 1 {
		return h, errs.Corruptf(op, "unsupported version %d", h.Version)
	}
	h.CKeySize = buf[3]
	h.EKeySize = buf[4]
	if h.CKeySize != 16 || h.EKeySize != 16 {
		return h, errs.Corruptf(op, "unexpected key sizes cKey=%d eKey=%d, want 16/16", h.CKeySize, h.EKeySize)
	}
	h.CKeyPageSizeKB = binutil.BigEndian.Uint16(buf[5:7])
	h.ESpecPageSizeKB = binutil.BigEndian.Uint16(buf[7:9])
	h.CKeyPageCount = binutil.BigEndian.Uint32(buf[9:13])
	h.ESpecPageCount = binutil.BigEndian.Uint32(buf[13:17])
	// buf[17] is reserved.
	h.ESpecBlockSize = binutil.BigEndian.Uint32(buf[18:22])
	return h, nil
}

// pageDirEntry is one record of a page directory (cKey or eSpec flavor).
type pageDirEntry struct {
	firstKey []byte
	pageMD5  [16]byte
}

// Entry is a single cKey -> {eKeys, decoded size} mapping.
type Entry struct {
	CKey            []byte
	EKeys           [][]byte
	DecodedFileSize uint64
}

// ESpecEntry is a single eKey -> {ESpec string, encoded size} mapping.
type ESpecEntry struct {
	EKey        []byte
	ESpecString string
	EncodedSize uint64
}

// Encoding is an opened, read-only Encoding table. Safe for concurrent use;
// it never mutates the backing file.
type Encoding struct {
	header Header
	r      io.ReaderAt
	closer io.Closer

	cKeyDirOffset   int64
	cKeyDir         []pageDirEntry
	cKeyPagesOffset int64
	cKeyPageSize    int64

	eSpecDirOffset   int64
	eSpecDir         []pageDirEntry
	eSpecPagesOffset int64
	eSpecPageSize    int64
	eSpecEntryStride int

	eSpecTableOffset int64
	eSpecTableOnce   sync.Once
	eSpecTableErr    error
	eSpecStrings     []string
}

// OpenFile memory-maps path and opens it as an Encoding table. The mapping
// lives for the lifetime of the returned *Encoding; call Close when done.
func OpenFile(path string) (*Encoding, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, errs.New("encoding.OpenFile", errs.Transport, err)
	}
	e, err := Open(r)
	if err != nil {
		r.Close()
		return nil, err
	}
	e.closer = r
	return e, nil
}

// Open parses an Encoding table from an arbitrary random-access reader (a
// memory map, an *os.File, or an in-memory buffer in tests). The reader is
// not closed by Open; callers that also want Close wired should use
// OpenFile or set e.closer themselves.
func Open(r io.ReaderAt) (*Encoding, error) {
	const op = "encoding.Open"
	type fileDescriptor interface {
		Fd() uintptr
	}
	if f, ok := r.(fileDescriptor); ok {
		if err := unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM); err != nil {
			klog.V(3).Infof("encoding: fadvise(RANDOM) failed: %v", err)
		}
	}
	var hbuf [headerSize]byte
	if _, err := r.ReadAt(hbuf[:], 0); err != nil {
		return nil, errs.New(op, errs.Corrupt, err)
	}
	h, err := parseHeader(hbuf[:])
	if err != nil {
		return nil, err
	}

	e := &Encoding{header: h, r: r}
	e.eSpecTableOffset = headerSize
	cur := int64(headerSize) + int64(h.ESpecBlockSize)

	e.cKeyDirOffset = cur
	cKeyDirEntrySize := int(h.CKeySize) + 16
	dir, err := readPageDirectory(r, cur, int(h.CKeyPageCount), int(h.CKeySize), cKeyDirEntrySize)
	if err != nil {
		return nil, fmt.Errorf("%s: cKey directory: %w", op, err)
	}
	e.cKeyDir = dir
	cur += int64(h.CKeyPageCount) * int64(cKeyDirEntrySize)

	e.cKeyPagesOffset = cur
	e.cKeyPageSize = int64(h.CKeyPageSizeKB) * 1024
	cur += int64(h.CKeyPageCount) * e.cKeyPageSize

	e.eSpecDirOffset = cur
	eSpecDirEntrySize := int(h.EKeySize) + 16
	dir2, err := readPageDirectory(r, cur, int(h.ESpecPageCount), int(h.EKeySize), eSpecDirEntrySize)
	if err != nil {
		return nil, fmt.Errorf("%s: eSpec directory: %w", op, err)
	}
	e.eSpecDir = dir2
	cur += int64(h.ESpecPageCount) * int64(eSpecDirEntrySize)

	e.eSpecPagesOffset = cur
	e.eSpecPageSize = int64(h.ESpecPageSizeKB) * 1024
	e.eSpecEntryStride = int(h.EKeySize) + 4 + 5

	return e, nil
}

func readPageDirectory(r io.ReaderAt, offset int64, count, keySize, entrySize int) ([]pageDirEntry, error) {
	if count == 0 {
		return nil, nil
	}
	buf := make([]byte, count*entrySize)
	if _, err := r.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	dir := make([]pageDirEntry, count)
	for i := 0; i < count; i++ {
		rec := buf[i*entrySize : (i+1)*entrySize]
		dir[i].firstKey = append([]byte(nil), rec[:keySize]...)
		copy(dir[i].pageMD5[:], rec[keySize:keySize+16])
	}
	return dir, nil
}

// Close releases the underlying memory map, if Open/OpenFile created one.
func (e *Encoding) Close() error {
	if e.closer != nil {
		return e.closer.Close()
	}
	return nil
}

func (e *Encoding) Header() Header { return e.header }

// Prefetch advises the kernel about the access pattern to expect over the
// backing file: random once lookups start (the default and usual case), or
// sequential while reading ahead for a bulk scan. It is a best-effort hint;
// a backing reader with no file descriptor (e.g. an in-memory buffer) makes
// this a silent no-op.
func (e *Encoding) Prefetch(sequential bool) {
	type fileDescriptor interface {
		Fd() uintptr
	}
	f, ok := e.r.(fileDescriptor)
	if !ok {
		return
	}
	advice := unix.FADV_RANDOM
	if sequential {
		advice = unix.FADV_SEQUENTIAL
	}
	if err := unix.Fadvise(int(f.Fd()), 0, 0, advice); err != nil {
		klog.V(3).Infof("encoding: fadvise failed: %v", err)
	}
}

// findDirectoryPage returns the index of the directory entry with the
// greatest firstKey <= target, or -1 if none (target precedes every page).
func findDirectoryPage(dir []pageDirEntry, target []byte) int {
	idx := binutil.LowerBound(len(dir), func(i int) bool {
		return bytes.Compare(dir[i].firstKey, target) <= 0
	})
	// LowerBound above finds the first i with !(firstKey<=target), i.e. the
	// first i with firstKey>target. We need "greatest index whose
	// firstKey <= target", so the candidate page is idx-1.
	return idx - 1
}

// FindByCKey looks up a content key and returns its encoding entry.
// Returns a NotFound *errs.Error if the key is absent.
func (e *Encoding) FindByCKey(cKey []byte) (*Entry, error) {
	const op = "encoding.FindByCKey"
	if len(cKey) != int(e.header.CKeySize) {
		return nil, errs.New(op, errs.Invariant, fmt.Errorf("cKey length %d != table cKey size %d", len(cKey), e.header.CKeySize))
	}
	pageIdx := findDirectoryPage(e.cKeyDir, cKey)
	if pageIdx < 0 {
		return nil, errs.NotFoundf(op, "cKey %x precedes first page", cKey)
	}

	page := bytebufferpool.Get()
	defer bytebufferpool.Put(page)
	page.B = append(page.B[:0], make([]byte, e.cKeyPageSize)...)
	if _, err := e.r.ReadAt(page.B, e.cKeyPagesOffset+int64(pageIdx)*e.cKeyPageSize); err != nil {
		return nil, errs.New(op, errs.Corrupt, err)
	}
	if got := pageMD5(page.B); got != e.cKeyDir[pageIdx].pageMD5 {
		return nil, errs.Corruptf(op, "cKey page %d MD5 mismatch: got %x, directory says %x", pageIdx, got, e.cKeyDir[pageIdx].pageMD5)
	}

	ekSize := int(e.header.EKeySize)
	ckSize := int(e.header.CKeySize)
	buf := page.B
	for len(buf) > 0 {
		keyCount := int(buf[0])
		if keyCount == 0 {
			break // zero padding reached
		}
		if len(buf) < 1+5+ckSize+keyCount*ekSize {
			return nil, errs.Corruptf(op, "truncated cKey page entry")
		}
		encodedSize := binutil.ReadUint40BE(buf[1:6])
		entryCKey := buf[6 : 6+ckSize]
		eKeysStart := 6 + ckSize
		if bytes.Equal(entryCKey, cKey) {
			eKeys := make([][]byte, keyCount)
			for i := 0; i < keyCount; i++ {
				eKeys[i] = append([]byte(nil), buf[eKeysStart+i*ekSize:eKeysStart+(i+1)*ekSize]...)
			}
			return &Entry{
				CKey:            append([]byte(nil), entryCKey...),
				EKeys:           eKeys,
				DecodedFileSize: encodedSize,
			}, nil
		}
		buf = buf[eKeysStart+keyCount*ekSize:]
	}
	return nil, errs.NotFoundf(op, "cKey %x not in page %d", cKey, pageIdx)
}

// FindESpec looks up an encoding key's compression recipe and encoded size.
func (e *Encoding) FindESpec(eKey []byte) (*ESpecEntry, error) {
	const op = "encoding.FindESpec"
	if len(eKey) != int(e.header.EKeySize) {
		return nil, errs.New(op, errs.Invariant, fmt.Errorf("eKey length %d != table eKey size %d", len(eKey), e.header.EKeySize))
	}
	pageIdx := findDirectoryPage(e.eSpecDir, eKey)
	if pageIdx < 0 {
		return nil, errs.NotFoundf(op, "eKey %x precedes first page", eKey)
	}

	stride := e.eSpecEntryStride
	numEntries := int(e.eSpecPageSize) / stride

	page := bytebufferpool.Get()
	defer bytebufferpool.Put(page)
	page.B = append(page.B[:0], make([]byte, e.eSpecPageSize)...)
	if _, err := e.r.ReadAt(page.B, e.eSpecPagesOffset+int64(pageIdx)*e.eSpecPageSize); err != nil {
		return nil, errs.New(op, errs.Corrupt, err)
	}
	if got := pageMD5(page.B); got != e.eSpecDir[pageIdx].pageMD5 {
		return nil, errs.Corruptf(op, "eSpec page %d MD5 mismatch: got %x, directory says %x", pageIdx, got, e.eSpecDir[pageIdx].pageMD5)
	}

	ekSize := int(e.header.EKeySize)
	entries := page.B
	i := binutil.LowerBound(numEntries, func(i int) bool {
		rec := entries[i*stride : i*stride+ekSize]
		// zero records (padding) sort last: treat all-zero as "greater than
		// any real key" so the search doesn't walk into padding.
		if isZero(rec) {
			return false
		}
		return bytes.Compare(rec, eKey) < 0
	})
	if i >= numEntries {
		return nil, errs.NotFoundf(op, "eKey %x not in page %d", eKey, pageIdx)
	}
	rec := entries[i*stride : (i+1)*stride]
	if !bytes.Equal(rec[:ekSize], eKey) {
		return nil, errs.NotFoundf(op, "eKey %x not in page %d", eKey, pageIdx)
	}
	eSpecIndex := binutil.BigEndian.Uint32(rec[ekSize : ekSize+4])
	encodedSize := binutil.ReadUint40BE(rec[ekSize+4 : ekSize+9])

	specString, err := e.eSpecString(int(eSpecIndex))
	if err != nil {
		return nil, err
	}
	return &ESpecEntry{
		EKey:        append([]byte(nil), eKey...),
		ESpecString: specString,
		EncodedSize: encodedSize,
	}, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// eSpecString returns the index-th NUL-terminated string in the ESpec string
// table, parsing the table at most once per Encoding instance. Concurrent
// callers block on the same sync.Once until the first parse completes.
func (e *Encoding) eSpecString(index int) (string, error) {
	e.eSpecTableOnce.Do(func() {
		buf := make([]byte, e.header.ESpecBlockSize)
		if _, err := e.r.ReadAt(buf, e.eSpecTableOffset); err != nil {
			e.eSpecTableErr = fmt.Errorf("encoding: read ESpec string table: %w", err)
			return
		}
		e.eSpecStrings = binutil.SplitCStrings(buf)
		klog.V(4).Infof("encoding: parsed %d ESpec strings", len(e.eSpecStrings))
	})
	if e.eSpecTableErr != nil {
		return "", errs.New("encoding.eSpecString", errs.Corrupt, e.eSpecTableErr)
	}
	if index < 0 || index >= len(e.eSpecStrings) {
		return "", errs.Corruptf("encoding.eSpecString", "ESpec index %d out of range (table has %d strings)", index, len(e.eSpecStrings))
	}
	return e.eSpecStrings[index], nil
}

// pageMD5 computes the full MD5 of a cKey/eSpec page, checked against the
// directory entry's stored digest on every page load.
func pageMD5(page []byte) [16]byte {
	return md5.Sum(page)
}
