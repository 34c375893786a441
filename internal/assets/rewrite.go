// Package assets rewrites page-relative references so catalog pages render
// through the id-scoped asset proxy.
package assets

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/appshelf/appshelf/internal/catalog"
)

var (
	attrRe   = regexp.MustCompile(`(?i)\b(href|src)\s*=\s*(["'])([^"']+)(["'])`)
	cssURLRe = regexp.MustCompile(`(?i)url\(\s*(['"]?)([^'")]+)(['"]?)\s*\)`)
)

// RewriteHTML rewrites relative href/src attributes and CSS url() references
// in html to `/assets/<shortID>/<relpath>`. Absolute URLs, rooted paths,
// data: URIs, and fragments pass through untouched, as does any reference
// whose target does not exist under baseDir.
func RewriteHTML(html string, shortID catalog.ShortID, baseDir string) string {
	prefix := "/assets/" + shortID.String() + "/"

	html = attrRe.ReplaceAllStringFunc(html, func(match string) string {
		parts := attrRe.FindStringSubmatch(match)
		ref := parts[3]
		if !rewritable(ref, baseDir) {
			return match
		}
		return parts[1] + "=" + parts[2] + prefix + cleanRef(ref) + parts[4]
	})

	html = cssURLRe.ReplaceAllStringFunc(html, func(match string) string {
		parts := cssURLRe.FindStringSubmatch(match)
		ref := parts[2]
		if !rewritable(ref, baseDir) {
			return match
		}
		return "url(" + parts[1] + prefix + cleanRef(ref) + parts[3] + ")"
	})

	return html
}

// rewritable reports whether ref is a page-relative reference to a file
// that actually exists under baseDir.
func rewritable(ref, baseDir string) bool {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return false
	}
	lower := strings.ToLower(ref)
	for _, skip := range []string{"http://", "https://", "//", "data:", "mailto:", "javascript:", "#", "/"} {
		if strings.HasPrefix(lower, skip) {
			return false
		}
	}
	resolved, err := Resolve(baseDir, cleanRef(ref))
	if err != nil {
		return false
	}
	info, err := os.Stat(resolved)
	return err == nil && !info.IsDir()
}

// cleanRef strips query strings and fragments from a reference.
func cleanRef(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	return ref
}

// Resolve maps a proxied relative path onto baseDir, refusing anything that
// escapes it.
func Resolve(baseDir, relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("absolute asset path %q refused", relPath)
	}
	cleaned := filepath.Clean(filepath.FromSlash(relPath))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("asset path %q escapes entry folder", relPath)
	}
	return filepath.Join(baseDir, cleaned), nil
}
