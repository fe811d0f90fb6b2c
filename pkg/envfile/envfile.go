// Package envfile loads optional KEY=VALUE files and builds child environments.
package envfile

import (
	"bufio"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Load reads a dotenv-style file. A missing file is not an error: found is
// false and the map is empty, so callers can warn and carry on.
func Load(path string) (env map[string]string, found bool, err error) {
	if path == "" {
		return map[string]string{}, false, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, false, nil
		}
		return nil, false, errors.Wrap(err, "open env file")
	}
	defer func() { _ = f.Close() }()

	env, err = Parse(f)
	if err != nil {
		return nil, true, errors.Wrapf(err, "parse env file %s", path)
	}
	return env, true, nil
}

// Parse accepts `KEY=VALUE`, `export KEY=VALUE`, blank lines and # comments.
// Values may be wrapped in single or double quotes.
func Parse(r io.Reader) (map[string]string, error) {
	out := map[string]string{}
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" || strings.ContainsAny(k, " \t") {
			return nil, errors.Errorf("line %d: expected KEY=VALUE", n)
		}
		out[k] = unquote(strings.TrimSpace(v))
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan")
	}
	return out, nil
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	if i := strings.Index(v, " #"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return v
}

// Merge layers maps over a KEY=VALUE base; later layers win. The result is
// sorted so child environments are deterministic.
func Merge(base []string, layers ...map[string]string) []string {
	m := ToMap(base)
	for _, l := range layers {
		for k, v := range l {
			m[k] = v
		}
	}
	return FromMap(m)
}

// WithDefaults sets each default only when env does not already define it.
func WithDefaults(env []string, defaults map[string]string) []string {
	if len(defaults) == 0 {
		return env
	}
	m := ToMap(env)
	for k, v := range defaults {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
	return FromMap(m)
}

func ToMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

func FromMap(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
