// Package mirror discovers, ping-ranks, and serves requests across the
// pool of CDN mirror hosts for a product/region. It also knows how to parse
// the pipe-delimited versions/cdns service tables that name the mirrors in
// the first place.
package mirror

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goware/urlx"
	"github.com/klauspost/compress/gzhttp"
	"github.com/ngdp-go/tactcore/errs"
	"github.com/ngdp-go/tactcore/metrics"
	"k8s.io/klog/v2"
)

const fallbackMirror = "cdn.arctium.tools"

// Exhausted is the exact body Download returns when every mirror in the
// pool failed. Callers that need to tell "genuinely empty resource" apart
// from "nothing to read because every mirror failed" compare against it.
var Exhausted io.ReadCloser = io.NopCloser(strings.NewReader(""))

// Mirror is one ranked CDN host.
type Mirror struct {
	BaseURI       string
	RTTEstimateMs float64
}

// Row is a single parsed record of a versions/cdns service table.
type Row struct {
	Region string
	Fields []string
}

// ParseTable parses the pipe-delimited table shared by the versions and
// cdns HTTP services: a header line of "Name!TYPE:hint|..." tokens (ignored
// here, callers index columns by position) followed by data rows. Lines
// starting with "##" and empty lines are skipped.
func ParseTable(r io.Reader) ([]Row, error) {
	const op = "mirror.ParseTable"
	sc := bufio.NewScanner(r)
	var rows []Row
	headerSeen := false
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" || strings.HasPrefix(line, "##") {
			continue
		}
		if !headerSeen {
			headerSeen = true
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) == 0 {
			continue
		}
		rows = append(rows, Row{Region: fields[0], Fields: fields})
	}
	if err := sc.Err(); err != nil {
		return nil, errs.New(op, errs.Corrupt, err)
	}
	return rows, nil
}

// CDNInfo is one region's entry from the cdns service: the path stem
// (e.g. "tpr/wow") and its whitespace-separated host list.
type CDNInfo struct {
	Stem  string
	Hosts []string
}

// ParseCDNs extracts the CDNInfo for region from a cdns service response.
func ParseCDNs(r io.Reader, region string) (*CDNInfo, error) {
	const op = "mirror.ParseCDNs"
	rows, err := ParseTable(r)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Region != region {
			continue
		}
		if len(row.Fields) < 3 {
			return nil, errs.Corruptf(op, "cdns row for %s has too few columns", region)
		}
		return &CDNInfo{
			Stem:  row.Fields[1],
			Hosts: strings.Fields(row.Fields[2]),
		}, nil
	}
	return nil, errs.NotFoundf(op, "region %s not present in cdns table", region)
}

// VersionInfo is one region's entry from the versions service.
type VersionInfo struct {
	BuildConfigHash string
	CDNConfigHash   string
}

// ParseVersions extracts the VersionInfo for region from a versions service
// response.
func ParseVersions(r io.Reader, region string) (*VersionInfo, error) {
	const op = "mirror.ParseVersions"
	rows, err := ParseTable(r)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.Region != region {
			continue
		}
		if len(row.Fields) < 3 {
			return nil, errs.Corruptf(op, "versions row for %s has too few columns", region)
		}
		return &VersionInfo{
			BuildConfigHash: row.Fields[1],
			CDNConfigHash:   row.Fields[2],
		}, nil
	}
	return nil, errs.NotFoundf(op, "region %s not present in versions table", region)
}

func newHTTPClient() *http.Client {
	tr := &http.Transport{
		IdleConnTimeout:     time.Minute,
		MaxConnsPerHost:     20,
		MaxIdleConnsPerHost: 20,
		Proxy:               http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   20 * time.Second,
			KeepAlive: 180 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{Timeout: 20 * time.Second, Transport: gzhttp.Transport(tr)}
}

// Pool is the ping-ranked, mutex-guarded list of mirror hosts for one
// product/region. Lookup order is strictly left-to-right; the list is
// stable after construction except through explicit Promote/Demote calls.
type Pool struct {
	mu      sync.Mutex
	stem    string
	mirrors []Mirror
	client  *http.Client
}

// NewPool fetches the cdns table, appends the static fallback mirror, and
// ping-ranks the result. pingFn probes one host and reports its estimated
// RTT. This package ships no prober of its own, and the tactcore command
// passes nil. If pingFn is nil, every mirror gets an equal synthetic latency
// so the declared order (cdns list, then fallback) is preserved.
func NewPool(ctx context.Context, region, product string, pingFn func(ctx context.Context, host string) (time.Duration, bool)) (*Pool, error) {
	const op = "mirror.NewPool"
	client := newHTTPClient()

	url := fmt.Sprintf("http://%s.patch.battle.net:1119/%s/cdns", region, product)
	if _, err := urlx.Parse(url); err != nil {
		return nil, errs.New(op, errs.Invariant, fmt.Errorf("invalid cdns url %q: %w", url, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.New(op, errs.Transport, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.New(op, errs.Transport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(op, errs.Transport, fmt.Errorf("cdns service returned %d", resp.StatusCode))
	}
	info, err := ParseCDNs(resp.Body, region)
	if err != nil {
		return nil, err
	}

	hosts := append(append([]string{}, info.Hosts...), fallbackMirror)

	p := &Pool{stem: info.Stem, client: client}
	p.mirrors = rankHosts(ctx, hosts, pingFn)
	return p, nil
}

// NewStatic builds a Pool from an already-known stem and mirror list,
// skipping the cdns service lookup and ping ranking entirely. This is for
// callers that already cached a ranked mirror list (e.g. from a prior
// NewPool call) or tests that need a deterministic pool.
func NewStatic(stem string, mirrors []Mirror) *Pool {
	return &Pool{stem: stem, mirrors: mirrors, client: newHTTPClient()}
}

func rankHosts(ctx context.Context, hosts []string, pingFn func(ctx context.Context, host string) (time.Duration, bool)) []Mirror {
	mirrors := make([]Mirror, len(hosts))
	if pingFn == nil {
		for i, h := range hosts {
			mirrors[i] = Mirror{BaseURI: "http://" + h, RTTEstimateMs: 0}
		}
		return mirrors
	}

	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]float64, len(hosts))
	for i := range results {
		results[i] = float64(time.Hour.Milliseconds())
	}
	for i, h := range hosts {
		i, h := i, h
		wg.Add(1)
		go func() {
			defer wg.Done()
			rttCtx, rttCancel := context.WithTimeout(pingCtx, 400*time.Millisecond)
			defer rttCancel()
			rtt, ok := pingFn(rttCtx, h)
			if !ok {
				results[i] = float64(time.Hour.Milliseconds()) // sorts to the tail
				return
			}
			ms := float64(rtt.Milliseconds())
			results[i] = ms
			metrics.MirrorRTTMs.WithLabelValues(h).Observe(ms)
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-pingCtx.Done():
		// Unfinished probes keep their unreachable sentinel and sort last.
	}

	for i, h := range hosts {
		mirrors[i] = Mirror{BaseURI: "http://" + h, RTTEstimateMs: results[i]}
	}
	sort.SliceStable(mirrors, func(i, j int) bool {
		return mirrors[i].RTTEstimateMs < mirrors[j].RTTEstimateMs
	})
	klog.V(2).Infof("mirror: ranked %d hosts", len(mirrors))
	return mirrors
}

// Promote moves the named mirror to the front of the pool, for a caller
// that observed it performing well out-of-band. It does not violate the
// "stable order between any two successive lookups" guarantee, since that
// guarantee only holds between calls that don't invoke Promote/Demote.
func (p *Pool) Promote(baseURI string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range p.mirrors {
		if m.BaseURI == baseURI {
			p.mirrors = append(append([]Mirror{m}, p.mirrors[:i]...), p.mirrors[i+1:]...)
			return
		}
	}
}

// Demote moves the named mirror to the back of the pool.
func (p *Pool) Demote(baseURI string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range p.mirrors {
		if m.BaseURI == baseURI {
			p.mirrors = append(append(p.mirrors[:i], p.mirrors[i+1:]...), m)
			return
		}
	}
}

// Stem returns the CDN path stem (e.g. "tpr/wow") used to build file URLs.
func (p *Pool) Stem() string { return p.stem }

// Mirrors returns a snapshot of the current pool order.
func (p *Pool) Mirrors() []Mirror {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Mirror, len(p.mirrors))
	copy(out, p.mirrors)
	return out
}

// Download tries each mirror in order for resourcePath (a path relative to
// a mirror's base URI, e.g. "tpr/wow/data/ab/cd/abcd...") using fetchFn to
// perform the actual request against a fully-qualified URL. On the first
// success, it returns that response body stream. If every mirror fails, it
// returns an empty, already-closed-at-EOF stream with a nil error; whether
// that's fatal is the caller's call, not this pool's.
func (p *Pool) Download(ctx context.Context, resourcePath string, fetchFn func(ctx context.Context, url string) (io.ReadCloser, error)) (io.ReadCloser, error) {
	p.mu.Lock()
	mirrors := make([]Mirror, len(p.mirrors))
	copy(mirrors, p.mirrors)
	p.mu.Unlock()

	for _, m := range mirrors {
		url := strings.TrimRight(m.BaseURI, "/") + "/" + strings.TrimLeft(resourcePath, "/")
		body, err := fetchFn(ctx, url)
		if err != nil {
			metrics.MirrorRequestsTotal.WithLabelValues("error").Inc()
			continue
		}
		metrics.MirrorRequestsTotal.WithLabelValues("ok").Inc()
		return body, nil
	}
	metrics.MirrorRequestsTotal.WithLabelValues("exhausted").Inc()
	klog.V(2).Infof("mirror: all %d mirrors exhausted for %s", len(mirrors), resourcePath)
	return Exhausted, nil
}
