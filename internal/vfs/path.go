package vfs

import "strings"

// Canonical replaces backslashes with forward slashes and collapses every run
// of slashes into one. It does not resolve "." or ".." segments. A real file
// name containing a backslash therefore cannot be addressed on a host
// filesystem.
func Canonical(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if !strings.Contains(p, "//") {
		return p
	}
	var b strings.Builder
	b.Grow(len(p))
	prevSlash := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Join joins segments into an absolute canonical path without a trailing
// slash. The filesystem root joins to "".
func Join(segments ...string) string {
	var b strings.Builder
	for _, seg := range segments {
		if !strings.HasPrefix(seg, "/") {
			b.WriteByte('/')
		}
		b.WriteString(strings.TrimSuffix(seg, "/"))
	}
	return strings.TrimSuffix(Canonical(b.String()), "/")
}

// JoinRel is Join without the leading slash, for paths relative to a base.
func JoinRel(segments ...string) string {
	return strings.TrimPrefix(Join(segments...), "/")
}

// Dirname returns the parent of p. Dirname("/a/b") is "/a" and Dirname("/a")
// is "", the root.
func Dirname(p string) string {
	p = strings.TrimSuffix(Canonical(p), "/")
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}

// IsRoot reports whether p names the filesystem root.
func IsRoot(p string) bool {
	p = Canonical(p)
	return p == "" || p == "/"
}
