package domain

import "strings"

// PathSeparator separates labels of a hierarchical path ("acme.north.ward_a")
const PathSeparator = "."

// Label turns a display name into a path label
func Label(name string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteRune('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// ChildPath appends label to parent
func ChildPath(parent, label string) string {
	if parent == "" {
		return label
	}
	return parent + PathSeparator + label
}

// ParentPath returns the path without its last label
func ParentPath(path string) string {
	if i := strings.LastIndex(path, PathSeparator); i >= 0 {
		return path[:i]
	}
	return ""
}

// PathContains reports whether path equals scope or descends from it
func PathContains(scope, path string) bool {
	if scope == "" {
		return false
	}
	return path == scope || strings.HasPrefix(path, scope+PathSeparator)
}
