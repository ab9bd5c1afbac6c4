// Package env composes the environment handed to child processes.
package env

import (
	"slices"
	"strings"
)

// Compose applies each overrides list on top of base, later entries
// winning, and returns sorted KEY=VALUE pairs. ${VAR} references in
// override values are expanded once against the composed set; unknown
// references are left untouched. Entries without '=' or with an empty key
// are dropped.
func Compose(base []string, overrides ...[]string) []string {
	m := make(map[string]string, len(base))
	for _, kv := range base {
		if k, v, ok := split(kv); ok {
			m[k] = v
		}
	}
	var touched []string
	for _, list := range overrides {
		for _, kv := range list {
			if k, v, ok := split(kv); ok {
				m[k] = v
				touched = append(touched, k)
			}
		}
	}
	expanded := make(map[string]string, len(touched))
	for _, k := range touched {
		expanded[k] = expand(m[k], m)
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		if e, ok := expanded[k]; ok {
			v = e
		}
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

// expand replaces ${NAME} with m[NAME] in a single left-to-right pass.
func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
