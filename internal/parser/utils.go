package parser

import (
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
)

var ansiEscapeRe = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")

// RemoveANSIEscape strips terminal color codes from sanitizer output.
func RemoveANSIEscape(content string) string {
	return ansiEscapeRe.ReplaceAllString(content, "")
}

// GuessRelpath maps a path from a foreign namespace to the best-guess
// relative path under root, by longest-suffix match against the files that
// actually exist there. Returns "" when nothing under root shares even the
// file name.
func GuessRelpath(root string, path string) string {
	target := splitPathComponents(filepath.Clean(path))
	if len(target) == 0 {
		return ""
	}

	best := ""
	bestScore := 0
	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		score := suffixMatchLen(splitPathComponents(rel), target)
		if score > bestScore {
			best, bestScore = rel, score
		}
		return nil
	})

	return best
}

func splitPathComponents(p string) []string {
	parts := strings.Split(filepath.ToSlash(p), "/")
	out := parts[:0]
	for _, part := range parts {
		if part != "" && part != "." {
			out = append(out, part)
		}
	}
	return out
}

// suffixMatchLen counts how many trailing components a and b share.
func suffixMatchLen(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) {
		if a[len(a)-1-n] != b[len(b)-1-n] {
			break
		}
		n++
	}
	return n
}
