// Package batch drives a user-submitted group of archive files through
// presign, upload and enqueue, strictly in submission order.
package batch

import (
	"path/filepath"
	"strings"
)

// DeriveTitle turns an archive filename into a candidate module title:
// the extension is stripped and runs of separators and whitespace
// collapse to single spaces.
func DeriveTitle(filename string) string {
	name := filepath.Base(filename)
	if ext := filepath.Ext(name); ext != "" {
		name = strings.TrimSuffix(name, ext)
	}
	var b strings.Builder
	space := false
	for _, r := range name {
		switch r {
		case '_', '-', '.', ' ', '\t':
			space = true
		default:
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TitlesMatch compares two candidate titles the way the backend does
// when rejecting duplicates.
func TitlesMatch(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
