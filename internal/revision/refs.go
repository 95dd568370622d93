package revision

import "strings"

// ValidCommit reports whether sha is an abbreviated or full hex object
// name.
func ValidCommit(sha string) bool {
	if len(sha) < 4 || len(sha) > 64 {
		return false
	}
	for _, r := range sha {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

// ValidRef reports whether ref is a well-formed branch or tag name under
// the rules of git check-ref-format, with one-level names allowed.
func ValidRef(ref string) bool {
	if ref == "" || ref == "@" || strings.HasPrefix(ref, "-") {
		return false
	}
	if strings.HasSuffix(ref, "/") || strings.HasSuffix(ref, ".") {
		return false
	}
	if strings.Contains(ref, "..") || strings.Contains(ref, "@{") || strings.Contains(ref, "//") {
		return false
	}
	for _, r := range ref {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[\\", r) {
			return false
		}
	}
	for _, part := range strings.Split(ref, "/") {
		if strings.HasPrefix(part, ".") || strings.HasSuffix(part, ".lock") {
			return false
		}
	}
	return true
}

// safeRevision reports whether rev can be passed to git as a revision
// argument without being read as an option.
func safeRevision(rev string) bool {
	return rev != "" && !strings.HasPrefix(rev, "-") && !strings.ContainsAny(rev, "\x00\n")
}
