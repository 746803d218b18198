package executor

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// repeatThreshold is how many consecutive identical failing invocations mark
// a subtask as tool misuse.
const repeatThreshold = 3

// NormalizeArgs canonicalizes tool arguments for repeat detection: object
// keys sorted recursively, strings trimmed and lowercased, numbers via their
// JSON encoding. Two calls the model meant identically hash identically even
// when key order or casing jitters.
func NormalizeArgs(args map[string]any) string {
	return canonicalize(args)
}

func canonicalize(v any) string {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(&sb, "%q:%s", k, canonicalize(val[k]))
		}
		sb.WriteByte('}')
		return sb.String()
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = canonicalize(item)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case string:
		return fmt.Sprintf("%q", strings.ToLower(strings.TrimSpace(val)))
	case nil:
		return "null"
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%q", fmt.Sprint(val))
		}
		return string(data)
	}
}

// repeatDetector tracks consecutive failing invocations of one normalized
// (tool, args) pair. No LLM involvement; a bounded map keeps recent per-key
// invocation totals.
type repeatDetector struct {
	lastKey  string
	failures int
	seen     map[string]int
}

func newRepeatDetector() *repeatDetector {
	return &repeatDetector{seen: make(map[string]int)}
}

// Record notes one invocation outcome and reports whether the repeat
// threshold has been crossed.
func (r *repeatDetector) Record(tool string, args map[string]any, failed bool) bool {
	key := tool + "\x00" + NormalizeArgs(args)
	if len(r.seen) >= 64 {
		r.seen = make(map[string]int)
	}
	r.seen[key]++

	if !failed {
		r.lastKey = ""
		r.failures = 0
		return false
	}
	if key == r.lastKey {
		r.failures++
	} else {
		r.lastKey = key
		r.failures = 1
	}
	return r.failures >= repeatThreshold
}
