package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the worker environment. The base is either the daemon's own environment
// (Inherit) or empty; daemon-wide variables and per-worker entries override it in order.
type Env struct {
	Var     Var  // daemon-wide overrides (K->V)
	Inherit bool // start from os.Environ()

	base Var
}

func New(inherit bool) *Env {
	return &Env{Var: make(Var), Inherit: inherit}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.base = parse(os.Environ())
}

func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

func (e *Env) Unset(k string) {
	delete(e.Var, k)
}

// Merge returns the final KEY=VALUE list, sorted by key. ${VAR} and $VAR references in
// values are expanded once against the composed map; unknown references become empty.
func (e *Env) Merge(perWorker []string) []string {
	m := make(Var)
	if e.Inherit {
		if e.base == nil {
			e.FromOS()
		}
		for k, v := range e.base {
			m[k] = v
		}
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range parse(perWorker) {
		m[k] = v
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+os.Expand(v, func(name string) string { return m[name] }))
	}
	sort.Strings(out)
	return out
}

// parse converts KEY=VALUE entries into a map, dropping malformed ones.
func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}
