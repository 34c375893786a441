// Package scan discovers runnable web apps and standalone pages on disk.
package scan

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	serverStartRe = regexp.MustCompile(`\bapp\.run\s*\(`)
	declaredPort  = regexp.MustCompile(`\bapp\.run\s*\([^)]*port\s*=\s*(\d{2,5})`)
	mainDefRe     = regexp.MustCompile(`(?m)^\s*def\s+main\s*\(`)
	mainGuardRe   = regexp.MustCompile(`__main__`)
)

// Conventional locations checked when an app dir has no page file at all.
var companionCandidates = []string{
	"index.html",
	filepath.Join("templates", "index.html"),
	filepath.Join("static", "index.html"),
	filepath.Join("public", "index.html"),
	filepath.Join("frontend", "index.html"),
}

// AppInfo is what detection learns about a runnable app source file.
type AppInfo struct {
	Port      int
	Framework string
}

// DetectApp decides whether a Python source file is a launchable web app.
// The evidence required is an embedded server-start call. A file that
// defines main() without a main guard is a utility script, not an app.
func DetectApp(content string, defaultPort int) (AppInfo, bool) {
	if !serverStartRe.MatchString(content) {
		return AppInfo{}, false
	}
	if mainDefRe.MatchString(content) && !mainGuardRe.MatchString(content) {
		return AppInfo{}, false
	}

	info := AppInfo{Port: defaultPort, Framework: sniffFramework(content)}
	if m := declaredPort.FindStringSubmatch(content); m != nil {
		if port, err := strconv.Atoi(m[1]); err == nil && port > 0 && port <= 65535 {
			info.Port = port
		}
	}
	return info, true
}

func sniffFramework(content string) string {
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "flask"):
		return "flask"
	case strings.Contains(lower, "django"):
		return "django"
	default:
		return "unknown"
	}
}

// FindCompanionPage locates the interface page paired with an executable
// app: the first page file anywhere under the app's directory, else one of
// the conventional candidate subpaths.
func FindCompanionPage(appDir string) (string, bool) {
	var pages []string
	_ = filepath.WalkDir(appDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // unreadable subtrees are skipped
		}
		if strings.EqualFold(filepath.Ext(path), ".html") {
			pages = append(pages, path)
		}
		return nil
	})
	if len(pages) > 0 {
		sort.Strings(pages)
		return pages[0], true
	}
	for _, candidate := range companionCandidates {
		path := filepath.Join(appDir, candidate)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// ReadDependencies returns the app folder's declared dependencies, if a
// requirements file exists.
func ReadDependencies(folder string) string {
	data, err := os.ReadFile(filepath.Join(folder, "requirements.txt"))
	if err != nil {
		return ""
	}
	var deps []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		deps = append(deps, line)
	}
	return strings.Join(deps, ", ")
}
