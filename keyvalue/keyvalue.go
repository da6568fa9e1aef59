// Package keyvalue parses the bespoke key/value line format used by the
// BuildConfig and CDNConfig blobs: one assignment per line, either
// "key = v1 v2 ..." or "key v1 v2 ...", '#' comments, blank lines ignored,
// empty values dropped. This is not JSON/YAML/TOML — the wire format is a
// flat, whitespace-delimited table specific to this pipeline, so it gets a
// small dedicated parser rather than an ecosystem config library.
package keyvalue

import (
	"bufio"
	"io"
	"strings"

	"github.com/ngdp-go/tactcore/errs"
)

// Config is a parsed key/value blob: each key maps to its whitespace-split
// value tokens, in file order for duplicate-key tolerance (last wins, per
// the format's own convention of one value per key).
type Config struct {
	values map[string][]string
}

// Parse reads a BuildConfig/CDNConfig-shaped blob.
func Parse(r io.Reader) (*Config, error) {
	const op = "keyvalue.Parse"
	c := &Config{values: make(map[string][]string)}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, rest, found := strings.Cut(line, "=")
		if !found {
			key, rest, found = cutFirstField(line)
			if !found {
				continue
			}
		}
		key = strings.TrimSpace(key)
		tokens := strings.Fields(rest)
		if len(tokens) == 0 {
			continue
		}
		c.values[key] = tokens
	}
	if err := sc.Err(); err != nil {
		return nil, errs.New(op, errs.Corrupt, err)
	}
	return c, nil
}

// cutFirstField splits "key v1 v2" (no '=') into key and the remainder.
func cutFirstField(line string) (key, rest string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", "", false
	}
	idx := strings.Index(line, fields[0])
	if idx < 0 {
		return "", "", false
	}
	return fields[0], line[idx+len(fields[0]):], true
}

// Values returns the whitespace-split tokens for key, or nil if absent.
func (c *Config) Values(key string) []string {
	return c.values[key]
}

// Value returns the single token for key (the common case of a one-value
// assignment), or "" with ok=false if key is absent or has no tokens.
func (c *Config) Value(key string) (string, bool) {
	v := c.values[key]
	if len(v) == 0 {
		return "", false
	}
	return v[0], true
}

// Has reports whether key was present with at least one value.
func (c *Config) Has(key string) bool {
	return len(c.values[key]) > 0
}
