package build

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"strconv"
	"strings"
	"testing"

	"github.com/ngdp-go/tactcore/archiveindex"
	"github.com/ngdp-go/tactcore/binutil"
	"github.com/ngdp-go/tactcore/blte"
	"github.com/ngdp-go/tactcore/cache"
	"github.com/ngdp-go/tactcore/keyvalue"
	"github.com/ngdp-go/tactcore/mirror"
	"github.com/ngdp-go/tactcore/resolver"
	"github.com/ngdp-go/tactcore/root"
	"github.com/stretchr/testify/require"
)

func keyN(b byte) []byte {
	k := make([]byte, 16)
	k[0] = b
	return k
}

func md5hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// wrapBLTERaw produces an unframed (headerSize=0), single-chunk raw-mode
// BLTE blob, the simplest form blte.Decode accepts.
func wrapBLTERaw(body []byte) []byte {
	var buf bytes.Buffer
	buf.Write(blte.Magic[:])
	var sz [4]byte
	binary.BigEndian.PutUint32(sz[:], 0)
	buf.Write(sz[:])
	buf.WriteByte(blte.ModeRaw)
	buf.Write(body)
	return buf.Bytes()
}

type flavorEntry struct {
	key    []byte
	offset uint32
	size   uint32
}

// buildFlavorIndex constructs a minimal single-block archive index file
// (any offsetBytes), entries given in ascending key order.
func buildFlavorIndex(t *testing.T, offsetBytes uint8, entries []flavorEntry) []byte {
	t.Helper()
	const keyBytes = 16
	const sizeBytes = 4
	const hashBytes = 8
	const blockSizeKB = 4

	blockSize := blockSizeKB << 10
	block := make([]byte, blockSize)
	cur := 0
	for _, e := range entries {
		cur += copy(block[cur:], e.key)
		binutil.BigEndian.PutUint32(block[cur:cur+4], e.size)
		cur += 4
		if offsetBytes > 0 {
			binutil.BigEndian.PutUint32(block[cur:cur+int(offsetBytes)], e.offset)
			cur += int(offsetBytes)
		}
	}

	tocKey := entries[len(entries)-1].key
	blockHash := archiveindex.TruncatedMD5(block, hashBytes)

	var tocKeys, tocHashes bytes.Buffer
	tocKeys.Write(tocKey)
	tocHashes.Write(blockHash)
	tocRegion := append(append([]byte{}, tocKeys.Bytes()...), tocHashes.Bytes()...)
	tocHash := archiveindex.TruncatedMD5(tocRegion, hashBytes)

	footerMeaningful := make([]byte, 12)
	copy(footerMeaningful[0:], []byte{1, 0, 0, blockSizeKB, offsetBytes, sizeBytes, keyBytes, hashBytes})
	binutil.LittleEndian.PutUint32(footerMeaningful[8:12], uint32(len(entries)))

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

type encCEntry struct {
	cKey        []byte
	eKey        []byte
	decodedSize uint64
}

// buildEncodingTable constructs a minimal Encoding file: one cKey page
// holding every entry (ascending cKey order), and an empty ESpec section
// (page count 0), since build.go never calls FindESpec.
func buildEncodingTable(t *testing.T, entries []encCEntry) []byte {
	t.Helper()
	const cKeyPageSizeKB = 1

	cPage := make([]byte, cKeyPageSizeKB*1024)
	cur := 0
	for _, e := range entries {
		cur += copy(cPage[cur:], []byte{1}) // one eKey per entry
		binutil.PutUint40BE(cPage[cur:cur+5], e.decodedSize)
		cur += 5
		cur += copy(cPage[cur:], e.cKey)
		cur += copy(cPage[cur:], e.eKey)
	}
	cPageMD5 := md5.Sum(cPage)
	cFirstKey := entries[0].cKey

	var out bytes.Buffer
	out.WriteByte('E')
	out.WriteByte('N')
	out.WriteByte(1)  // version
	out.WriteByte(16) // cKeySize
	out.WriteByte(16) // eKeySize
	var u16 [2]byte
	binutil.BigEndian.PutUint16(u16[:], cKeyPageSizeKB)
	out.Write(u16[:])
	binutil.BigEndian.PutUint16(u16[:], 0) // eSpecPageSizeKB
	out.Write(u16[:])
	var u32 [4]byte
	binutil.BigEndian.PutUint32(u32[:], 1) // cKeyPageCount
	out.Write(u32[:])
	binutil.BigEndian.PutUint32(u32[:], 0) // eSpecPageCount
	out.Write(u32[:])
	out.WriteByte(0)                       // reserved
	binutil.BigEndian.PutUint32(u32[:], 0) // eSpecBlockSize
	out.Write(u32[:])
	require.Equal(t, 22, out.Len())

	out.Write(cFirstKey)
	out.Write(cPageMD5[:])
	out.Write(cPage)
	return out.Bytes()
}

// newTestServer serves content keyed by the last path segment (lowercase
// hex), supporting HEAD (content-length only) and GET with an optional
// Range header, matching resolver.fetchRemote's request shapes.
func newTestServer(content map[string][]byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := content[path.Base(r.URL.Path)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			return
		}
		if rng := r.Header.Get("Range"); rng != "" {
			var start, end int
			if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err == nil {
				w.WriteHeader(http.StatusPartialContent)
				w.Write(data[start : end+1])
				return
			}
		}
		w.Write(data)
	}))
}

// fixture bundles everything TestOpen needs: a running test server, a
// resolver wired to it, and the hex keys a caller looks up by.
type fixture struct {
	res               *resolver.Resolver
	cache             *cache.Cache
	buildCfg          *keyvalue.Config
	cdnCfg            *keyvalue.Config
	eKeyInArchive     string
	eKeyInFileOnly    string
	eKeyUnindexed     string
	installPayload    []byte
	archiveIndexBytes []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	eKeyInArchive := keyN(0x01)
	eKeyInFileOnly := keyN(0x02)
	eKeyUnindexed := keyN(0x03)

	archiveIndexBytes := buildFlavorIndex(t, 4, []flavorEntry{{key: eKeyInArchive, offset: 3, size: 5}})
	archiveHash := md5hex(archiveIndexBytes)

	fileIndexBytes := buildFlavorIndex(t, 0, []flavorEntry{{key: eKeyInFileOnly, size: 7}})
	fileIndexHash := md5hex(fileIndexBytes)

	fileOnlyPayload := []byte("PAYLOAD")          // 7 bytes, matches fileIndex entry size
	unindexedPayload := []byte("UNINDEXED-PAYLOAD")

	rootPayload := []byte{} // zero pages: a minimal but valid legacy Root blob
	installPayload := []byte("install\tmanifest\tplaceholder\n")

	rootBlob := wrapBLTERaw(rootPayload)
	installBlob := wrapBLTERaw(installPayload)
	rootEKey16, err := fullKey(md5hex(rootBlob))
	require.NoError(t, err)
	installEKey16, err := fullKey(md5hex(installBlob))
	require.NoError(t, err)

	rootCKey := keyN(0x10)
	installCKey := keyN(0x20)
	encodingTable := buildEncodingTable(t, []encCEntry{
		{cKey: rootCKey, eKey: rootEKey16, decodedSize: uint64(len(rootPayload))},
		{cKey: installCKey, eKey: installEKey16, decodedSize: uint64(len(installPayload))},
	})
	encodingBlob := wrapBLTERaw(encodingTable)
	encodingEHex := md5hex(encodingBlob)

	content := map[string][]byte{
		archiveHash:               archiveIndexBytes,
		fileIndexHash:             fileIndexBytes,
		encodingEHex:              encodingBlob,
		md5hex(rootBlob):          rootBlob,
		md5hex(installBlob):       installBlob,
		hex.EncodeToString(eKeyInFileOnly): fileOnlyPayload,
		hex.EncodeToString(eKeyUnindexed):  unindexedPayload,
	}
	server := newTestServer(content)
	t.Cleanup(server.Close)

	c := cache.New(t.TempDir(), "wow")
	pool := mirror.NewStatic("tpr/wow", []mirror.Mirror{{BaseURI: server.URL}})
	res := resolver.New("wow", "", c, pool)

	buildCfgText := fmt.Sprintf(
		"encoding = %s %s\nencoding-size = %d\nroot = %s\ninstall = %s\n",
		strings.Repeat("0", 32), encodingEHex, len(encodingTable),
		hex.EncodeToString(rootCKey), hex.EncodeToString(installCKey),
	)
	buildCfg, err := keyvalue.Parse(strings.NewReader(buildCfgText))
	require.NoError(t, err)

	cdnCfgText := fmt.Sprintf("archives = %s\nfile-index = %s\n", archiveHash, fileIndexHash)
	cdnCfg, err := keyvalue.Parse(strings.NewReader(cdnCfgText))
	require.NoError(t, err)

	return &fixture{
		res:               res,
		cache:             c,
		buildCfg:          buildCfg,
		cdnCfg:            cdnCfg,
		eKeyInArchive:     hex.EncodeToString(eKeyInArchive),
		eKeyInFileOnly:    hex.EncodeToString(eKeyInFileOnly),
		eKeyUnindexed:     hex.EncodeToString(eKeyUnindexed),
		installPayload:    installPayload,
		archiveIndexBytes: archiveIndexBytes,
	}
}

func fullKey(hexStr string) ([]byte, error) {
	return hex.DecodeString(hexStr)
}

func TestOpenFullPipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := Open(ctx, f.buildCfg, f.cdnCfg, f.cache, f.res, root.AllWoW)
	require.NoError(t, err)

	require.Equal(t, archiveindex.FlavorGroupIndex, b.GroupIndex.Flavor())
	require.Equal(t, archiveindex.FlavorFileIndex, b.FileIndex.Flavor())
	require.NotNil(t, b.Encoding)
	require.NotNil(t, b.Root)
	require.Equal(t, 0, b.Root.RecordCount())
	require.Equal(t, f.installPayload, b.InstallBytes)
}

func TestOpenMissingFileIndexFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cdnCfg, err := keyvalue.Parse(strings.NewReader(fmt.Sprintf("archives = %s\n", f.cdnCfg.Values("archives")[0])))
	require.NoError(t, err)

	_, err = Open(ctx, f.buildCfg, cdnCfg, f.cache, f.res, root.AllWoW)
	require.Error(t, err)
	require.Contains(t, err.Error(), "file index")
}

func TestOpenByEKeyGroupIndexHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := Open(ctx, f.buildCfg, f.cdnCfg, f.cache, f.res, root.AllWoW)
	require.NoError(t, err)

	rc, err := b.OpenByEKey(ctx, f.eKeyInArchive)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, f.archiveIndexBytes[3:8], data)
}

func TestOpenByEKeyFileIndexFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := Open(ctx, f.buildCfg, f.cdnCfg, f.cache, f.res, root.AllWoW)
	require.NoError(t, err)

	rc, err := b.OpenByEKey(ctx, f.eKeyInFileOnly)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, []byte("PAYLOAD"), data)
}

func TestOpenByEKeyWholeFileFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := Open(ctx, f.buildCfg, f.cdnCfg, f.cache, f.res, root.AllWoW)
	require.NoError(t, err)

	rc, err := b.OpenByEKey(ctx, f.eKeyUnindexed)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, []byte("UNINDEXED-PAYLOAD"), data)
}
