// Package env composes the environment of spawned children and carries
// the boot parameters a child needs to take its role.
package env

import (
	"os"
	"slices"
	"strings"
)

type Var map[string]string

// Env is the environment template for children: the arbiter's own
// environment plus overrides.
type Env struct {
	Var Var // overrides (K->V)
	env Var // cached base from the OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = parse(os.Environ())
}

// WithSet returns a copy of e with K=V set.
func (e *Env) WithSet(k, v string) *Env {
	c := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for k2, v2 := range e.Var {
		c.Var[k2] = v2
	}
	c.Var[k] = v
	return c
}

// Merge composes the final environment: the base, then e.Var, then
// perChild ("K=V") overrides. ${VAR} references are expanded against the
// composed map, one level deep. The result is sorted for stable output.
func (e *Env) Merge(perChild []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(perChild))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range parse(perChild) {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	slices.Sort(out)
	return out
}

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

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
