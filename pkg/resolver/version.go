package resolver

import (
	"strings"
)

// CompareVersions orders dotted version strings. Components are compared
// pairwise: numeric components numerically, non-numeric ones lexically,
// and a non-numeric component sorts below a numeric one. When all shared
// components tie the longer version wins. The empty (undefined) version
// sorts below everything else.
func CompareVersions(a, b string) int {
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	case b == "":
		return 1
	}

	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if c := compareComponent(as[i], bs[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(as) > len(bs):
		return 1
	case len(as) < len(bs):
		return -1
	}
	return 0
}

// VersionGreaterThan reports whether a is strictly newer than b.
func VersionGreaterThan(a, b string) bool {
	return CompareVersions(a, b) > 0
}

func compareComponent(a, b string) int {
	aNum, bNum := isNumeric(a), isNumeric(b)
	switch {
	case aNum && bNum:
		return compareNumeric(a, b)
	case !aNum && !bNum:
		return strings.Compare(a, b)
	case aNum:
		return 1
	default:
		return -1
	}
}

// compareNumeric compares decimal strings of any length. Equal values
// spelled differently ("01" and "1") fall back to a lexical comparison so
// that only identical components tie.
func compareNumeric(a, b string) int {
	ta := strings.TrimLeft(a, "0")
	tb := strings.TrimLeft(b, "0")
	if len(ta) != len(tb) {
		if len(ta) > len(tb) {
			return 1
		}
		return -1
	}
	if c := strings.Compare(ta, tb); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
