// Package casc resolves encoding keys against a locally installed game
// client's CASC storage: the per-bucket .idx files under Data/data and the
// numbered data.NNN archive files they point into. This is the first and
// fastest tier the resource resolver consults, ahead of the disk cache and
// remote mirrors.
package casc

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ngdp-go/tactcore/archiveindex"
	"github.com/ngdp-go/tactcore/errs"
)

// Bucket computes the two-hex-digit bucket name for an encoding key: the
// high and low nibbles of the XOR-fold of its first nine bytes, XORed
// together.
func Bucket(eKey []byte) (string, error) {
	const op = "casc.Bucket"
	if len(eKey) < 9 {
		return "", errs.New(op, errs.Invariant, fmt.Errorf("eKey too short: %d bytes, need at least 9", len(eKey)))
	}
	var b byte
	for i := 0; i < 9; i++ {
		b ^= eKey[i]
	}
	bucket := (b & 0x0F) ^ (b >> 4)
	return fmt.Sprintf("%02x", bucket), nil
}

// Store is an opened local CASC installation rooted at baseDir (the
// directory containing Data/).
type Store struct {
	baseDir string
	indices map[string]*archiveindex.Index
	files   map[string]*os.File
}

// Open locates baseDir/Data but defers opening individual bucket indices
// until first use (a typical client has dozens of buckets and only a
// handful are consulted in a given session).
func Open(baseDir string) *Store {
	return &Store{
		baseDir: baseDir,
		indices: make(map[string]*archiveindex.Index),
		files:   make(map[string]*os.File),
	}
}

func (s *Store) dataDir() string {
	return filepath.Join(s.baseDir, "Data", "data")
}

// bucketIndex lazily opens (and caches) the .idx file for the given bucket.
func (s *Store) bucketIndex(bucket string) (*archiveindex.Index, error) {
	const op = "casc.bucketIndex"
	if idx, ok := s.indices[bucket]; ok {
		return idx, nil
	}
	path := filepath.Join(s.dataDir(), bucket+".idx")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFoundf(op, "no local index for bucket %s", bucket)
		}
		return nil, errs.New(op, errs.Transport, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.New(op, errs.Transport, err)
	}
	idx, err := archiveindex.Open(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	s.indices[bucket] = idx
	s.files[bucket] = f
	return idx, nil
}

// Locator describes where a resolved eKey lives inside local CASC storage.
type Locator struct {
	DataPath string // <base>/Data/data/data.NNN
	Offset   int64
	Size     int64
}

// Lookup resolves eKey against the local CASC bucket index it hashes into.
// A miss (including a missing bucket index, which is routine) is a
// NotFound *errs.Error so callers fall through to the disk cache tier.
func (s *Store) Lookup(eKey []byte) (*Locator, error) {
	const op = "casc.Lookup"
	bucket, err := Bucket(eKey)
	if err != nil {
		return nil, err
	}
	idx, err := s.bucketIndex(bucket)
	if err != nil {
		return nil, err
	}
	entry, err := idx.Lookup(eKey)
	if err != nil {
		return nil, err
	}

	// Local CASC indices combine archive-number and offset in the offset
	// field rather than carrying a separate archiveIndex; the archive
	// number is the high bits, distinguished by the index's own
	// offsetBytes rather than the group-index's dedicated archiveIndex
	// field.
	archiveNum, offset := splitArchiveOffset(entry.Offset, idx.Footer())
	dataFile := fmt.Sprintf("data.%03d", archiveNum)
	return &Locator{
		DataPath: filepath.Join(s.dataDir(), dataFile),
		Offset:   int64(offset),
		Size:     int64(entry.Size),
	}, nil
}

// splitArchiveOffset separates the archive number from the byte offset
// packed into a local index's combined offset field: the top byte is the
// archive number, the low three bytes the in-archive offset.
func splitArchiveOffset(combined uint32, f archiveindex.Footer) (archiveNum uint32, offset uint32) {
	if f.OffsetBytes == 0 {
		return 0, combined
	}
	return combined >> 24, combined & 0x00FFFFFF
}

// Close releases every opened bucket index file.
func (s *Store) Close() error {
	var first error
	for _, f := range s.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
