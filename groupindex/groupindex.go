// Package groupindex builds a merged group-index file out of the set of
// per-archive indices named by a CDN config's archives list. Each archive
// is enumerated concurrently, the results are merged and sorted, and a
// self-checksummed group-index file (the archiveindex package's
// group-index flavor) is written atomically into the cache.
package groupindex

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/ngdp-go/tactcore/archiveindex"
	"github.com/ngdp-go/tactcore/binutil"
	"github.com/ngdp-go/tactcore/errs"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const (
	blockSizeKB    = 4
	sizeBytes      = 4
	keyBytes       = 16
	hashBytes      = 8
	formatRevision = 1
	offsetBytes    = 6 // group-index flavor
)

// ArchiveSource names one per-archive index to fold into the group, at the
// position the CDN config's archives list assigns it (its archiveIndex).
type ArchiveSource struct {
	ArchiveIndex uint16
	Reader       io.ReaderAt
	Size         int64
}

// taggedEntry is an archiveindex.Entry carrying its source archiveIndex,
// used only during the merge below (the archiveindex.Entry itself already
// has an ArchiveIndex field, reused here directly).
type taggedEntry = archiveindex.Entry

// Build enumerates every source in parallel, merges the results, and
// returns the serialized group-index file bytes along with its computed
// name (lowercase hex of the footer's MD5). If expectedHash is non-empty
// and differs from the computed name, Build fails with a Corrupt error.
func Build(ctx context.Context, sources []ArchiveSource, expectedHash string) (data []byte, name string, err error) {
	const op = "groupindex.Build"
	if len(sources) == 0 {
		return nil, "", errs.New(op, errs.Invariant, fmt.Errorf("no archive sources given"))
	}

	perArchive := make([][]taggedEntry, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			idx, err := archiveindex.Open(src.Reader, src.Size)
			if err != nil {
				return fmt.Errorf("archive %d: %w", src.ArchiveIndex, err)
			}
			entries, err := idx.Enumerate()
			if err != nil {
				return fmt.Errorf("archive %d: %w", src.ArchiveIndex, err)
			}
			for j := range entries {
				entries[j].ArchiveIndex = int32(src.ArchiveIndex)
			}
			perArchive[i] = entries
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
				return nil
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, "", errs.New(op, errs.Corrupt, err)
	}

	// Archives can legitimately overlap (the same eKey re-uploaded across
	// patches); keep only the first occurrence. An xxhash-keyed set is used
	// for this in-memory membership check rather than the 16-byte eKey
	// itself, purely to keep the hot dedupe loop cheap -- the persisted
	// digest in the emitted index is still the eKey's own MD5-grounded
	// bytes, untouched.
	seen := make(map[uint64]struct{})
	var all []taggedEntry
	dropped := 0
	for _, entries := range perArchive {
		for _, e := range entries {
			h := xxhash.Sum64(e.EKey)
			if _, dup := seen[h]; dup {
				dropped++
				continue
			}
			seen[h] = struct{}{}
			all = append(all, e)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		return bytes.Compare(all[i].EKey, all[j].EKey) < 0
	})
	klog.V(2).Infof("groupindex: merged %d entries from %d archives (%d duplicates dropped)", len(all), len(sources), dropped)

	data, name, err = serialize(all)
	if err != nil {
		return nil, "", err
	}
	if expectedHash != "" && name != expectedHash {
		return nil, "", errs.Corruptf(op, "group-index checksum mismatch: got %s, want %s", name, expectedHash)
	}
	return data, name, nil
}

func serialize(entries []taggedEntry) (data []byte, name string, err error) {
	const op = "groupindex.serialize"
	stride := keyBytes + sizeBytes + offsetBytes
	blockSize := blockSizeKB << 10
	entriesPerBlock := blockSize / stride
	if entriesPerBlock == 0 {
		return nil, "", errs.New(op, errs.Invariant, fmt.Errorf("entry stride %d exceeds block size %d", stride, blockSize))
	}
	numBlocks := (len(entries) + entriesPerBlock - 1) / entriesPerBlock
	if numBlocks == 0 {
		numBlocks = 1
	}

	var out bytes.Buffer
	var tocKeys bytes.Buffer
	var tocHashes bytes.Buffer

	for b := 0; b < numBlocks; b++ {
		block := make([]byte, blockSize)
		start := b * entriesPerBlock
		end := start + entriesPerBlock
		if end > len(entries) {
			end = len(entries)
		}
		cur := 0
		var lastKey []byte
		for _, e := range entries[start:end] {
			cur += copy(block[cur:], e.EKey)
			binutil.BigEndian.PutUint32(block[cur:cur+4], e.Size)
			cur += 4
			binutil.BigEndian.PutUint16(block[cur:cur+2], uint16(e.ArchiveIndex))
			binutil.BigEndian.PutUint32(block[cur+2:cur+6], e.Offset)
			cur += 6
			lastKey = e.EKey
		}
		if lastKey == nil {
			lastKey = make([]byte, keyBytes)
		}
		out.Write(block)
		tocKeys.Write(lastKey)
		tocHashes.Write(archiveindex.TruncatedMD5(block, hashBytes))
	}

	tocRegion := append(append([]byte{}, tocKeys.Bytes()...), tocHashes.Bytes()...)
	tocHash := archiveindex.TruncatedMD5(tocRegion, hashBytes)

	footerMeaningful := make([]byte, 12)
	copy(footerMeaningful[0:], []byte{formatRevision, 0, 0, blockSizeKB, offsetBytes, sizeBytes, keyBytes, hashBytes})
	binutil.LittleEndian.PutUint32(footerMeaningful[8:12], uint32(len(entries)))

	var footerBuf bytes.Buffer
	footerBuf.Write(tocHash)
	footerBuf.Write(footerMeaningful)
	footerHash := archiveindex.TruncatedMD5(footerBuf.Bytes(), hashBytes)
	footerBuf.Write(footerHash)

	out.Write(tocKeys.Bytes())
	out.Write(tocHashes.Bytes())
	out.Write(footerBuf.Bytes())

	sum := md5.Sum(footerBuf.Bytes())
	return out.Bytes(), hex.EncodeToString(sum[:]), nil
}

// WriteAtomic writes data to <dir>/<name>.index, using a temp-file-then-rename
// sequence so a reader never observes a partially written group-index.
func WriteAtomic(dir, name string, data []byte) error {
	const op = "groupindex.WriteAtomic"
	final := filepath.Join(dir, name+".index")
	tmp := filepath.Join(dir, "."+name+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.New(op, errs.Transport, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return errs.New(op, errs.Transport, err)
	}
	return nil
}
