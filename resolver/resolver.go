// Package resolver implements the fixed-precedence resource fetch: local
// CASC, then disk cache, then the ranked mirror pool, with digest
// verification and at-most-once download semantics.
package resolver

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/ngdp-go/tactcore/cache"
	"github.com/ngdp-go/tactcore/casc"
	"github.com/ngdp-go/tactcore/errs"
	"github.com/ngdp-go/tactcore/metrics"
	"github.com/ngdp-go/tactcore/mirror"
)

// Kind selects the CDN file-kind directory ("config" or "data").
type Kind string

const (
	KindConfig Kind = "config"
	KindData   Kind = "data"
)

// Request describes a single resource fetch.
type Request struct {
	Kind           Kind
	EncodingKeyHex string // hex digest, used for CASC bucket lookup and cache path
	Offset         int64  // 0 with Length 0 means whole-file
	Length         int64
	ExpectedLength int64 // 0 means unknown
	Validate       bool
}

// Resource is a handle to resolved bytes, possibly a byte range inside a
// larger archive file. It does not own its backing file.
type Resource struct {
	Path   string
	Offset int64
	Length int64
	Exists bool
}

// Open returns a reader over the resource's byte range.
func (r *Resource) Open() (io.ReadCloser, error) {
	const op = "resolver.Resource.Open"
	if !r.Exists {
		return nil, errs.NotFoundf(op, "resource does not exist")
	}
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, errs.New(op, errs.Transport, err)
	}
	if r.Length == 0 {
		return f, nil
	}
	if _, err := f.Seek(r.Offset, io.SeekStart); err != nil {
		f.Close()
		return nil, errs.New(op, errs.Transport, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(f, r.Length), f}, nil
}

// Resolver wires together the local CASC store (optional), the disk cache,
// and the mirror pool behind the fixed precedence order.
type Resolver struct {
	product string
	cascSt  *casc.Store // nil if no base directory was configured
	cache   *cache.Cache
	pool    *mirror.Pool
	client  *http.Client

	lastTier string // set during Resolve, read by the deferred latency observation
}

// New builds a resolver for one product. baseDir may be empty to disable
// the local CASC tier.
func New(product, baseDir string, c *cache.Cache, pool *mirror.Pool) *Resolver {
	r := &Resolver{product: product, cache: c, pool: pool, client: &http.Client{Timeout: 30 * time.Second}}
	if baseDir != "" {
		r.cascSt = casc.Open(baseDir)
	}
	return r
}

// Resolve implements the fixed-precedence fetch described in the resolver
// specification: local CASC (data requests with an eKey only), then disk
// cache, then the mirror pool.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resource, error) {
	const op = "resolver.Resolve"
	eKeyBytes, err := hex.DecodeString(req.EncodingKeyHex)
	if err != nil {
		return nil, errs.New(op, errs.Invariant, fmt.Errorf("invalid eKey hex: %w", err))
	}

	start := time.Now()
	defer func() {
		metrics.ResolverFetchDuration.WithLabelValues(r.lastTier).Observe(time.Since(start).Seconds())
	}()

	if req.Kind == KindData && r.cascSt != nil {
		loc, err := r.cascSt.Lookup(eKeyBytes)
		if err == nil {
			r.lastTier = "casc"
			metrics.CacheLookupsTotal.WithLabelValues("casc", "hit").Inc()
			return &Resource{Path: loc.DataPath, Offset: loc.Offset, Length: loc.Size, Exists: true}, nil
		}
		if !errs.Is(err, errs.NotFound) {
			return nil, err
		}
		metrics.CacheLookupsTotal.WithLabelValues("casc", "miss").Inc()
	}

	path := r.cache.Path(string(req.Kind), req.EncodingKeyHex)
	mu := r.cache.Lock(path)
	defer mu.Unlock()

	ok, err := cache.Lookup(path, req.ExpectedLength)
	if err != nil {
		return nil, err
	}
	if ok {
		if req.Validate {
			if err := cache.Validate(path, eKeyBytes); err != nil {
				// Fall through to a single re-download.
				ok = false
			}
		}
	}
	if ok {
		r.lastTier = "disk"
		return &Resource{Path: path, Exists: true}, nil
	}

	r.lastTier = "remote"
	if err := r.fetchRemote(ctx, req, path); err != nil {
		return nil, err
	}
	if req.Validate {
		if err := cache.Validate(path, eKeyBytes); err != nil {
			return nil, err
		}
	}
	return &Resource{Path: path, Exists: true}, nil
}

// fetchRemote performs the whole-file or range fetch against the mirror
// pool and writes the result atomically into the cache.
func (r *Resolver) fetchRemote(ctx context.Context, req Request, destPath string) error {
	const op = "resolver.fetchRemote"
	resourcePath := fmt.Sprintf("%s/%s/%s/%s/%s",
		r.pool.Stem(), req.Kind, req.EncodingKeyHex[0:2], req.EncodingKeyHex[2:4], req.EncodingKeyHex)

	fetch := func(ctx context.Context, url string) (io.ReadCloser, error) {
		if req.Length > 0 {
			return r.rangeGet(ctx, url, req.Offset, req.Length)
		}
		return r.wholeFileGet(ctx, url, req.ExpectedLength)
	}

	body, err := r.pool.Download(ctx, resourcePath, fetch)
	if err != nil {
		return err
	}
	defer body.Close()
	if body == mirror.Exhausted {
		return errs.New(op, errs.Transport, fmt.Errorf("%s: every mirror exhausted", resourcePath))
	}

	data, err := io.ReadAll(body)
	if err != nil {
		cache.DeletePartial(destPath)
		if ctx.Err() != nil {
			return errs.New(op, errs.Cancelled, ctx.Err())
		}
		return errs.New(op, errs.Transport, err)
	}
	if err := cache.WriteAtomic(destPath, data); err != nil {
		return err
	}
	return nil
}

// retryExponentialBackoff calls fn at most maxRetries times in total,
// doubling startDuration between attempts, stopping early on ctx cancellation.
func retryExponentialBackoff(ctx context.Context, startDuration time.Duration, maxRetries int, fn func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(startDuration):
			startDuration *= 2
		}
	}
	return fmt.Errorf("failed after %d retries: %w", maxRetries, err)
}

func (r *Resolver) wholeFileGet(ctx context.Context, url string, expectedLength int64) (io.ReadCloser, error) {
	const op = "resolver.wholeFileGet"
	if expectedLength > 0 {
		headReq, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return nil, errs.New(op, errs.Transport, err)
		}
		resp, err := r.client.Do(headReq)
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusMethodNotAllowed {
				if resp.ContentLength > 0 && resp.ContentLength != expectedLength {
					return nil, errs.New(op, errs.Transport, fmt.Errorf("HEAD content-length %d != expected %d", resp.ContentLength, expectedLength))
				}
			}
		}
	}

	var resp *http.Response
	err := retryExponentialBackoff(ctx, 100*time.Millisecond, 3, func() error {
		getReq, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if reqErr != nil {
			return reqErr
		}
		var doErr error
		resp, doErr = r.client.Do(getReq)
		return doErr
	})
	if err != nil {
		return nil, errs.New(op, errs.Transport, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errs.New(op, errs.Transport, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if expectedLength > 0 && resp.ContentLength > 0 && resp.ContentLength != expectedLength {
		resp.Body.Close()
		return nil, errs.New(op, errs.Transport, fmt.Errorf("GET content-length %d != expected %d", resp.ContentLength, expectedLength))
	}
	return resp.Body, nil
}

func (r *Resolver) rangeGet(ctx context.Context, url string, offset, length int64) (io.ReadCloser, error) {
	const op = "resolver.rangeGet"
	var resp *http.Response
	err := retryExponentialBackoff(ctx, 100*time.Millisecond, 3, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		var doErr error
		resp, doErr = r.client.Do(req)
		return doErr
	})
	if err != nil {
		return nil, errs.New(op, errs.Transport, err)
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errs.New(op, errs.Transport, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return resp.Body, nil
}
