// Package archiveindex reads the sidecar index that accompanies every
// archive: a sorted table mapping encoding keys to their offset and size
// within one or more archive files. The same on-disk layout, distinguished
// only by its offsetBytes field, serves three purposes — a per-archive
// index, a merged group-index, and a whole-archive file-index — mirroring
// the teacher's compactindexsized hashtable index but with a sorted,
// binary-searchable TOC in place of a perfect-hash bucket table.
package archiveindex

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"io"

	"github.com/ngdp-go/tactcore/binutil"
	"github.com/ngdp-go/tactcore/errs"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/exp/mmap"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

const footerSize = 28

// Flavor identifies which of the three offsetBytes-distinguished layouts an
// index file uses.
type Flavor int

const (
	FlavorFileIndex  Flavor = iota // offsetBytes == 0: size spans the whole archive
	FlavorGroupIndex               // offsetBytes == 6: {archiveIndex u16 BE, offset u32 BE}
	FlavorArchive                  // offsetBytes == 4 (typically): plain offset
)

// Footer is the fixed 28-byte trailer of every archive index file.
type Footer struct {
	TOCHash        []byte // hashBytes
	FormatRevision uint8
	Flags0         uint8
	Flags1         uint8
	BlockSizeKB    uint8
	OffsetBytes    uint8
	SizeBytes      uint8
	KeyBytes       uint8
	HashBytes      uint8
	NumElements    uint32
	FooterHash     []byte // hashBytes
}

func (f Footer) flavor() Flavor {
	switch f.OffsetBytes {
	case 0:
		return FlavorFileIndex
	case 6:
		return FlavorGroupIndex
	default:
		return FlavorArchive
	}
}

func (f Footer) entryStride() int {
	return int(f.KeyBytes) + int(f.SizeBytes) + int(f.OffsetBytes)
}

func (f Footer) blockSize() int64 {
	return int64(f.BlockSizeKB) << 10
}

// Entry is a single resolved lookup or enumeration result.
type Entry struct {
	EKey         []byte
	Offset       uint32
	Size         uint32
	ArchiveIndex int32 // -1 when the flavor does not carry one
}

// Index is an opened, read-only archive index (any of the three flavors).
type Index struct {
	r        io.ReaderAt
	closer   io.Closer
	size     int64
	footer   Footer
	numBlocks int
	tocKeysOffset  int64
	tocHashOffset  int64
	dataOffset     int64
}

// OpenFile memory-maps path and opens it as an archive index. The mapping
// lives for the lifetime of the returned *Index; call Close when done.
func OpenFile(path string) (*Index, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, errs.New("archiveindex.OpenFile", errs.Transport, err)
	}
	idx, err := Open(r, int64(r.Len()))
	if err != nil {
		r.Close()
		return nil, err
	}
	idx.closer = r
	return idx, nil
}

// Close releases the underlying memory map, if OpenFile created one.
func (idx *Index) Close() error {
	if idx.closer != nil {
		return idx.closer.Close()
	}
	return nil
}

// Prefetch advises the kernel about the access pattern to expect: random
// (the default, set by Open) or sequential for a bulk Enumerate pass. A
// backing reader with no file descriptor is a silent no-op.
func (idx *Index) Prefetch(sequential bool) {
	type fileDescriptor interface {
		Fd() uintptr
	}
	f, ok := idx.r.(fileDescriptor)
	if !ok {
		return
	}
	advice := unix.FADV_RANDOM
	if sequential {
		advice = unix.FADV_SEQUENTIAL
	}
	if err := unix.Fadvise(int(f.Fd()), 0, 0, advice); err != nil {
		klog.V(3).Infof("archiveindex: fadvise failed: %v", err)
	}
}

// Open parses the footer and TOC of an archive index backed by r, which
// must report its length as n bytes (the caller typically passes an
// *os.File's size or an mmap.ReaderAt's Len()).
func Open(r io.ReaderAt, n int64) (*Index, error) {
	const op = "archiveindex.Open"
	type fileDescriptor interface {
		Fd() uintptr
	}
	if f, ok := r.(fileDescriptor); ok {
		if err := unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM); err != nil {
			klog.V(3).Infof("archiveindex: fadvise(RANDOM) failed: %v", err)
		}
	}
	if n < footerSize {
		return nil, errs.Corruptf(op, "file too small for footer: %d bytes", n)
	}
	var fbuf [footerSize]byte
	if _, err := r.ReadAt(fbuf[:], n-footerSize); err != nil {
		return nil, errs.New(op, errs.Corrupt, err)
	}
	footer, err := parseFooter(fbuf[:])
	if err != nil {
		return nil, err
	}

	stride := footer.entryStride()
	if stride <= 0 {
		return nil, errs.Corruptf(op, "invalid entry stride %d", stride)
	}
	blockSize := footer.blockSize()
	if blockSize <= 0 {
		return nil, errs.Corruptf(op, "invalid block size")
	}

	// numBlocks is not stored directly; it is derived from the TOC region
	// size, which is everything between the data blocks and the footer.
	// Since we don't yet know numBlocks, and numBlocks*blockSize is the data
	// region, solve using the fact that:
	//   fileSize = numBlocks*blockSize + numBlocks*keyBytes + numBlocks*hashBytes + footerSize
	perBlockOverhead := blockSize + int64(footer.KeyBytes) + int64(footer.HashBytes)
	if perBlockOverhead <= 0 {
		return nil, errs.Corruptf(op, "invalid per-block size")
	}
	numBlocks := (n - footerSize) / perBlockOverhead
	if numBlocks <= 0 || numBlocks*perBlockOverhead != n-footerSize {
		return nil, errs.Corruptf(op, "file size %d does not divide evenly into %d-byte blocks", n, perBlockOverhead)
	}

	idx := &Index{
		r:        r,
		size:     n,
		footer:   footer,
		numBlocks: int(numBlocks),
	}
	idx.dataOffset = 0
	idx.tocKeysOffset = numBlocks * blockSize
	idx.tocHashOffset = idx.tocKeysOffset + numBlocks*int64(footer.KeyBytes)
	return idx, nil
}

func parseFooter(buf []byte) (Footer, error) {
	const op = "archiveindex.parseFooter"
	var f Footer
	if len(buf) != footerSize {
		return f, errs.Corruptf(op, "footer must be %d bytes, got %d", footerSize, len(buf))
	}
	// footerSize == 2*hashBytes+12 (TOCHash[hashBytes] + 8 single-byte
	// fields + NumElements(u32) + FooterHash[hashBytes]), so a fixed
	// footerSize pins hashBytes algebraically rather than leaving it a
	// free-floating offset into the buffer.
	hashBytes := (footerSize - 12) / 2
	if hashBytes <= 0 || hashBytes > 16 || 2*hashBytes+12 > footerSize {
		return f, errs.Corruptf(op, "implausible hashBytes %d", hashBytes)
	}
	f.TOCHash = append([]byte(nil), buf[0:hashBytes]...)
	rest := buf[hashBytes:]
	f.FormatRevision = rest[0]
	f.Flags0 = rest[1]
	f.Flags1 = rest[2]
	f.BlockSizeKB = rest[3]
	f.OffsetBytes = rest[4]
	f.SizeBytes = rest[5]
	f.KeyBytes = rest[6]
	f.HashBytes = rest[7]
	if int(f.HashBytes) != hashBytes {
		return f, errs.Corruptf(op, "hashBytes field mismatch: %d vs %d", f.HashBytes, hashBytes)
	}
	f.NumElements = binutil.LittleEndian.Uint32(rest[8:12])
	f.FooterHash = append([]byte(nil), rest[12:12+hashBytes]...)
	return f, nil
}

func (idx *Index) Footer() Footer { return idx.footer }
func (idx *Index) Flavor() Flavor { return idx.footer.flavor() }

// Lookup resolves eKey to its offset, size, and (for the group-index flavor)
// archive index. Returns a NotFound *errs.Error on miss.
func (idx *Index) Lookup(eKey []byte) (*Entry, error) {
	const op = "archiveindex.Lookup"
	f := idx.footer
	if len(eKey) != int(f.KeyBytes) {
		return nil, errs.New(op, errs.Invariant, fmt.Errorf("key length %d != keyBytes %d", len(eKey), f.KeyBytes))
	}

	tocKeys := make([]byte, idx.numBlocks*int(f.KeyBytes))
	if _, err := idx.r.ReadAt(tocKeys, idx.tocKeysOffset); err != nil {
		return nil, errs.New(op, errs.Corrupt, err)
	}
	kb := int(f.KeyBytes)
	blockIdx := binutil.LowerBound(idx.numBlocks, func(i int) bool {
		return bytes.Compare(tocKeys[i*kb:(i+1)*kb], eKey) < 0
	})
	if blockIdx >= idx.numBlocks {
		return nil, errs.NotFoundf(op, "eKey %x exceeds every TOC key", eKey)
	}

	stride := f.entryStride()
	blockSize := f.blockSize()
	blockBuf := bytebufferpool.Get()
	defer bytebufferpool.Put(blockBuf)
	blockBuf.B = append(blockBuf.B[:0], make([]byte, blockSize)...)
	block := blockBuf.B
	if _, err := idx.r.ReadAt(block, idx.dataOffset+int64(blockIdx)*blockSize); err != nil {
		return nil, errs.New(op, errs.Corrupt, err)
	}
	numEntries := int(blockSize) / stride

	pos := binutil.LowerBound(numEntries, func(i int) bool {
		rec := block[i*stride : i*stride+kb]
		if isPadding(block[i*stride:(i+1)*stride], f) {
			return false
		}
		return bytes.Compare(rec, eKey) < 0
	})
	if pos >= numEntries {
		return nil, errs.NotFoundf(op, "eKey %x not in block %d", eKey, blockIdx)
	}
	rec := block[pos*stride : (pos+1)*stride]
	if isPadding(rec, f) || !bytes.Equal(rec[:kb], eKey) {
		return nil, errs.NotFoundf(op, "eKey %x not in block %d", eKey, blockIdx)
	}
	return decodeEntry(rec, f), nil
}

func isPadding(rec []byte, f Footer) bool {
	sizeOff := int(f.KeyBytes)
	for _, b := range rec[sizeOff : sizeOff+int(f.SizeBytes)] {
		if b != 0 {
			return false
		}
	}
	return true
}

func decodeEntry(rec []byte, f Footer) *Entry {
	kb := int(f.KeyBytes)
	e := &Entry{
		EKey:         append([]byte(nil), rec[:kb]...),
		ArchiveIndex: -1,
	}
	sizeField := rec[kb : kb+int(f.SizeBytes)]
	e.Size = beUint(sizeField)

	offField := rec[kb+int(f.SizeBytes):]
	switch f.flavor() {
	case FlavorFileIndex:
		// No offset field; size already spans the whole archive.
	case FlavorGroupIndex:
		e.ArchiveIndex = int32(binutil.BigEndian.Uint16(offField[:2]))
		e.Offset = binutil.BigEndian.Uint32(offField[2:6])
	case FlavorArchive:
		e.Offset = beUint(offField)
	}
	return e
}

func beUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

// Enumerate returns every non-padding entry in block order, with
// ArchiveIndex as decoded (-1 for flavors that do not carry one). The
// group-index builder overwrites it afterward with the archive's position in
// the CDN config's archives list.
func (idx *Index) Enumerate() ([]Entry, error) {
	const op = "archiveindex.Enumerate"
	f := idx.footer
	stride := f.entryStride()
	blockSize := f.blockSize()
	numEntries := int(blockSize) / stride

	blockBuf := bytebufferpool.Get()
	defer bytebufferpool.Put(blockBuf)

	var out []Entry
	for b := 0; b < idx.numBlocks; b++ {
		blockBuf.B = append(blockBuf.B[:0], make([]byte, blockSize)...)
		block := blockBuf.B
		if _, err := idx.r.ReadAt(block, idx.dataOffset+int64(b)*blockSize); err != nil {
			return nil, errs.New(op, errs.Corrupt, err)
		}
		for i := 0; i < numEntries; i++ {
			rec := block[i*stride : (i+1)*stride]
			if isPadding(rec, f) {
				break
			}
			out = append(out, *decodeEntry(rec, f))
		}
	}
	return out, nil
}

// TruncatedMD5 returns the first hashBytes bytes of the MD5 digest of data,
// the "truncated block MD5" scheme used throughout this format. Exported so
// the group-index builder can compute block and TOC hashes identically.
func TruncatedMD5(data []byte, hashBytes int) []byte {
	sum := md5.Sum(data)
	return sum[:hashBytes]
}
