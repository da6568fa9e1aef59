package casc

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ngdp-go/tactcore/archiveindex"
	"github.com/ngdp-go/tactcore/binutil"
	"github.com/ngdp-go/tactcore/errs"
	"github.com/stretchr/testify/require"
)

func TestBucket(t *testing.T) {
	eKey := make([]byte, 16)
	for i := range eKey[:9] {
		eKey[i] = byte(i + 1)
	}
	bucket, err := Bucket(eKey)
	require.NoError(t, err)
	require.Len(t, bucket, 2)
}

func buildLocalIndex(t *testing.T, eKey []byte, combinedOffset, size uint32) []byte {
	t.Helper()
	const keyBytes = 16
	const sizeBytes = 4
	const offsetBytes = 4
	const hashBytes = 8
	const blockSizeKB = 4

	blockSize := blockSizeKB << 10
	block := make([]byte, blockSize)
	cur := copy(block, eKey)
	binutil.BigEndian.PutUint32(block[cur:cur+4], size)
	cur += 4
	binutil.BigEndian.PutUint32(block[cur:cur+4], combinedOffset)

	blockHash := archiveindex.TruncatedMD5(block, hashBytes)
	var tocKeys, tocHashes bytes.Buffer
	tocKeys.Write(eKey)
	tocHashes.Write(blockHash)
	tocRegion := append(append([]byte{}, tocKeys.Bytes()...), tocHashes.Bytes()...)
	tocHash := archiveindex.TruncatedMD5(tocRegion, hashBytes)

	footerMeaningful := make([]byte, 12)
	copy(footerMeaningful[0:], []byte{1, 0, 0, blockSizeKB, offsetBytes, sizeBytes, keyBytes, hashBytes})
	binutil.LittleEndian.PutUint32(footerMeaningful[8:12], 1)

	var footer bytes.Buffer
	footer.Write(tocHash)
	footer.Write(footerMeaningful)
	footerHash := archiveindex.TruncatedMD5(footer.Bytes(), hashBytes)
	footer.Write(footerHash)

	var out bytes.Buffer
	out.Write(block)
	out.Write(tocKeys.Bytes())
	out.Write(tocHashes.Bytes())
	out.Write(footer.Bytes())
	return out.Bytes()
}

func TestStoreLookup(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Data", "data"), 0o755))

	eKey := make([]byte, 16)
	for i := range eKey[:9] {
		eKey[i] = byte(i + 1)
	}
	bucket, err := Bucket(eKey)
	require.NoError(t, err)

	// archive number 2, offset 12345
	combined := uint32(2)<<24 | uint32(12345)
	data := buildLocalIndex(t, eKey, combined, 999)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Data", "data", bucket+".idx"), data, 0o644))

	store := Open(dir)
	defer store.Close()

	loc, err := store.Lookup(eKey)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "Data", "data", "data.002"), loc.DataPath)
	require.EqualValues(t, 12345, loc.Offset)
	require.EqualValues(t, 999, loc.Size)
}

func TestStoreLookupMissingBucketIsNotFound(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Data", "data"), 0o755))
	store := Open(dir)
	defer store.Close()

	eKey := make([]byte, 16)
	_, err := store.Lookup(eKey)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}
