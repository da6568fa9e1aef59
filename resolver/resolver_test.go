package resolver

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ngdp-go/tactcore/cache"
	"github.com/ngdp-go/tactcore/mirror"
	"github.com/stretchr/testify/require"
)

const testProduct = "wow"

func eKeyHex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestResolveDiskCacheHit(t *testing.T) {
	dir := t.TempDir()
	c := cache.New(dir, testProduct)
	content := []byte("cached payload")
	eHex := eKeyHex(content)
	path := c.Path(string(KindData), eHex)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))

	r := New(testProduct, "", c, mirror.NewStatic("tpr/wow", nil))
	res, err := r.Resolve(context.Background(), Request{
		Kind:           KindData,
		EncodingKeyHex: eHex,
		ExpectedLength: int64(len(content)),
	})
	require.NoError(t, err)
	require.True(t, res.Exists)
	require.Equal(t, path, res.Path)
}

func TestResolveRemoteWholeFile(t *testing.T) {
	content := []byte("remote payload bytes")
	eHex := eKeyHex(content)

	dataSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Write(content)
	}))
	defer dataSrv.Close()

	pool := mirror.NewStatic("tpr/wow", []mirror.Mirror{{BaseURI: dataSrv.URL}})

	dir := t.TempDir()
	c := cache.New(dir, testProduct)
	r := New(testProduct, "", c, pool)

	res, err := r.Resolve(context.Background(), Request{
		Kind:           KindData,
		EncodingKeyHex: eHex,
		ExpectedLength: int64(len(content)),
		Validate:       true,
	})
	require.NoError(t, err)
	require.True(t, res.Exists)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	require.Equal(t, content, data)
}

func TestResolveRemoteValidateMismatchFails(t *testing.T) {
	content := []byte("remote payload bytes")
	wrongHex := eKeyHex([]byte("something else"))

	dataSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer dataSrv.Close()

	pool := mirror.NewStatic("tpr/wow", []mirror.Mirror{{BaseURI: dataSrv.URL}})

	dir := t.TempDir()
	c := cache.New(dir, testProduct)
	r := New(testProduct, "", c, pool)

	_, err := r.Resolve(context.Background(), Request{
		Kind:           KindData,
		EncodingKeyHex: wrongHex,
		Validate:       true,
	})
	require.Error(t, err)
}

func TestResolveRemoteExhaustedMirrorsFails(t *testing.T) {
	pool := mirror.NewStatic("tpr/wow", nil)

	dir := t.TempDir()
	c := cache.New(dir, testProduct)
	r := New(testProduct, "", c, pool)

	_, err := r.Resolve(context.Background(), Request{
		Kind:           KindData,
		EncodingKeyHex: eKeyHex([]byte("anything")),
	})
	require.Error(t, err)
}

func TestResourceOpenRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	res := &Resource{Path: path, Offset: 3, Length: 4, Exists: true}
	rc, err := res.Open()
	require.NoError(t, err)
	defer rc.Close()

	buf := make([]byte, 10)
	n, _ := rc.Read(buf)
	require.Equal(t, "3456", string(buf[:n]))
}
