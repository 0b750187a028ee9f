package trigger

import (
	"net/url"
	"path"
	"sort"
)

// ResolveTarget finds name among the known hierarchical target paths
// ("folder/sub/job"). It tries, in order: the full path, the percent-decoded
// full path, then a unique-or-first match on the last path segment.
func ResolveTarget(name string, known []string) (string, bool) {
	if name == "" {
		return "", false
	}
	set := make(map[string]bool, len(known))
	for _, k := range known {
		set[k] = true
	}

	if set[name] {
		return name, true
	}
	if decoded, err := url.QueryUnescape(name); err == nil && decoded != name && set[decoded] {
		return decoded, true
	}

	sorted := append([]string(nil), known...)
	sort.Strings(sorted)
	for _, k := range sorted {
		if path.Base(k) == name {
			return k, true
		}
	}
	return "", false
}
