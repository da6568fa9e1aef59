package archiveindex

import (
	"bytes"
	"testing"

	"github.com/ngdp-go/tactcore/binutil"
	"github.com/ngdp-go/tactcore/errs"
	"github.com/stretchr/testify/require"
)

type rawEntry struct {
	eKey         []byte
	size         uint32
	offset       uint32
	archiveIndex uint16
}

// buildIndex assembles a single-block archive index of the given flavor.
func buildIndex(t *testing.T, offsetBytes uint8, blockSizeKB uint8, entries []rawEntry) []byte {
	t.Helper()
	const keyBytes = 16
	const sizeBytes = 4
	const hashBytes = 8

	stride := keyBytes + sizeBytes + int(offsetBytes)
	blockSize := int(blockSizeKB) << 10
	block := make([]byte, blockSize)
	cur := 0
	for _, e := range entries {
		cur += copy(block[cur:], e.eKey)
		binutil.BigEndian.PutUint32(block[cur:cur+4], e.size)
		cur += 4
		switch offsetBytes {
		case 0:
			// no offset field
		case 6:
			binutil.BigEndian.PutUint16(block[cur:cur+2], e.archiveIndex)
			binutil.BigEndian.PutUint32(block[cur+2:cur+6], e.offset)
			cur += 6
		default:
			off := make([]byte, offsetBytes)
			v := e.offset
			for i := int(offsetBytes) - 1; i >= 0; i-- {
				off[i] = byte(v)
				v >>= 8
			}
			cur += copy(block[cur:], off)
		}
	}

	tocKey := entries[len(entries)-1].eKey
	blockHash := TruncatedMD5(block, hashBytes)

	var tocKeys, tocHashes bytes.Buffer
	tocKeys.Write(tocKey)
	tocHashes.Write(blockHash)

	tocHash := TruncatedMD5(append(append([]byte{}, tocKeys.Bytes()...), tocHashes.Bytes()...), hashBytes)

	footerMeaningful := make([]byte, 12)
	copy(footerMeaningful[0:], []byte{1, 0, 0, blockSizeKB, offsetBytes, sizeBytes, keyBytes, hashBytes})
	binutil.LittleEndian.PutUint32(footerMeaningful[8:12], uint32(len(entries)))

	var footer bytes.Buffer
	footer.Write(tocHash)
	footer.Write(footerMeaningful)
	footerHash := TruncatedMD5(footer.Bytes(), hashBytes)
	footer.Write(footerHash)

	var out bytes.Buffer
	out.Write(block)
	out.Write(tocKeys.Bytes())
	out.Write(tocHashes.Bytes())
	out.Write(footer.Bytes())
	require.Equal(t, footerSize, footer.Len())
	return out.Bytes()
}

func key(b byte) []byte {
	k := make([]byte, 16)
	k[0] = b
	return k
}

// TestLookupArchiveFlavor is the literal spec scenario: block size 4 KiB,
// keyBytes=16, sizeBytes=4, offsetBytes=4, three entries.
func TestLookupArchiveFlavor(t *testing.T) {
	data := buildIndex(t, 4, 4, []rawEntry{
		{eKey: key(0x11), offset: 0, size: 100},
		{eKey: key(0x22), offset: 100, size: 100},
		{eKey: key(0x33), offset: 200, size: 50},
	})
	idx, err := Open(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, FlavorArchive, idx.Flavor())

	e, err := idx.Lookup(key(0x22))
	require.NoError(t, err)
	require.EqualValues(t, 100, e.Offset)
	require.EqualValues(t, 100, e.Size)
	require.EqualValues(t, -1, e.ArchiveIndex)

	_, err = idx.Lookup(key(0x44))
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestLookupGroupIndexFlavor(t *testing.T) {
	data := buildIndex(t, 6, 4, []rawEntry{
		{eKey: key(0x01), offset: 500, size: 10, archiveIndex: 3},
		{eKey: key(0x02), offset: 900, size: 20, archiveIndex: 7},
	})
	idx, err := Open(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, FlavorGroupIndex, idx.Flavor())

	e, err := idx.Lookup(key(0x02))
	require.NoError(t, err)
	require.EqualValues(t, 900, e.Offset)
	require.EqualValues(t, 7, e.ArchiveIndex)
}

func TestEnumerateStopsAtPadding(t *testing.T) {
	data := buildIndex(t, 4, 4, []rawEntry{
		{eKey: key(0x01), offset: 0, size: 10},
		{eKey: key(0x02), offset: 10, size: 10},
	})
	idx, err := Open(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	entries, err := idx.Enumerate()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, key(0x01), entries[0].EKey)
	require.Equal(t, key(0x02), entries[1].EKey)
}
