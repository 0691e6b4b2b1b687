// Package internal is code only for consumption from within the jobq project.
package internal

// IsSubset reports whether every key/value pair in sub is also present in m.
func IsSubset[K, V comparable](sub, m map[K]V) bool {
	for k, v := range sub {
		if got, ok := m[k]; !ok || got != v {
			return false
		}
	}
	return true
}
