package state

import (
	"sort"
	"strings"
)

const redacted = "[REDACTED]"

// Key fragments that mark an environment variable as a secret. Node configs
// routinely carry signer keys and RPC auth tokens.
var secretMarkers = []string{
	"PASSWORD", "PASSPHRASE", "SECRET", "TOKEN", "CREDENTIAL",
	"PRIVATE", "MNEMONIC", "KEY", "AUTH", "JWT", "CERT",
}

// SanitizeEnv copies env with secret-looking values replaced by [REDACTED].
func SanitizeEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if isSecret(k) {
			v = redacted
		}
		out[k] = v
	}
	return out
}

func isSecret(key string) bool {
	upper := strings.ToUpper(key)
	for _, m := range secretMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}

var displaySkip = map[string]bool{
	"PWD": true, "OLDPWD": true, "SHLVL": true, "HOME": true, "USER": true,
	"LOGNAME": true, "HOSTNAME": true, "LANG": true, "LC_ALL": true,
	"PATH": true, "SHELL": true, "TERM": true, "LS_COLORS": true,
}

// FilterEnvForDisplay drops shell noise and keeps at most maxVars entries,
// picking by key order so repeated calls show the same subset. Diagnostic
// variables (RUST_*) always sort first.
func FilterEnvForDisplay(env map[string]string, maxVars int) map[string]string {
	if env == nil {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		if displaySkip[k] || strings.HasPrefix(k, "_") || strings.HasPrefix(k, "BASH") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		di, dj := strings.HasPrefix(keys[i], "RUST_"), strings.HasPrefix(keys[j], "RUST_")
		if di != dj {
			return di
		}
		return keys[i] < keys[j]
	})
	if maxVars > 0 && len(keys) > maxVars {
		keys = keys[:maxVars]
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = env[k]
	}
	return out
}
