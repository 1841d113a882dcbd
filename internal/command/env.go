package command

import (
	"regexp"
	"sort"
	"strings"
)

var envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidEnvKey reports whether key is usable as a shell variable name.
func ValidEnvKey(key string) bool {
	return envKeyRe.MatchString(key)
}

// SanitizeEnv renders env as export statements, one per valid key, in key
// order. Invalid keys are dropped.
func SanitizeEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		if ValidEnvKey(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	exports := make([]string, 0, len(keys))
	for _, k := range keys {
		exports = append(exports, "export "+k+"="+quote(env[k]))
	}
	return exports
}

// quote wraps s in single quotes for POSIX shells.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// mergeEnv overlays override on base. The result is a fresh map.
func mergeEnv(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
