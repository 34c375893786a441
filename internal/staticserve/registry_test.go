package staticserve

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/appshelf/appshelf/internal/metrics"
)

func init() {
	metrics.Init()
}

func writePage(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	page := filepath.Join(dir, "game.html")
	if err := os.WriteFile(page, []byte("<html><body>hello game</body></html>"), 0o644); err != nil {
		t.Fatalf("write page: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "style.css"), []byte("body{}"), 0o644); err != nil {
		t.Fatalf("write css: %v", err)
	}
	return page
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, string(body)
}

func TestServeForServesPageAtRoot(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	defer reg.StopAll()

	page := writePage(t)
	srv, err := reg.ServeFor(page)
	if err != nil {
		t.Fatalf("ServeFor() error = %v", err)
	}

	// No sleep: the listener is bound before ServeFor returns.
	code, body := get(t, srv.URL+"/")
	if code != http.StatusOK || !strings.Contains(body, "hello game") {
		t.Fatalf("root fetch = %d %q", code, body)
	}

	code, _ = get(t, srv.URL+"/style.css")
	if code != http.StatusOK {
		t.Fatalf("sibling asset fetch = %d", code)
	}
}

func TestServeForReusesServer(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	defer reg.StopAll()

	page := writePage(t)
	first, err := reg.ServeFor(page)
	if err != nil {
		t.Fatalf("ServeFor() error = %v", err)
	}
	second, err := reg.ServeFor(page)
	if err != nil {
		t.Fatalf("ServeFor() twice error = %v", err)
	}
	if first.Port != second.Port {
		t.Fatalf("expected same server, got ports %d and %d", first.Port, second.Port)
	}
	if reg.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", reg.Count())
	}
}

func TestDistinctPagesGetDistinctServers(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	defer reg.StopAll()

	a, err := reg.ServeFor(writePage(t))
	if err != nil {
		t.Fatalf("ServeFor(a) error = %v", err)
	}
	b, err := reg.ServeFor(writePage(t))
	if err != nil {
		t.Fatalf("ServeFor(b) error = %v", err)
	}
	if a.Port == b.Port {
		t.Fatalf("distinct pages shared port %d", a.Port)
	}
	if reg.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", reg.Count())
	}
}

func TestHandlerRejectsTraversal(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	defer reg.StopAll()

	srv, err := reg.ServeFor(writePage(t))
	if err != nil {
		t.Fatalf("ServeFor() error = %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	// Bypass client-side path cleaning to hit the handler raw.
	req.URL.Path = "/../../etc/passwd"
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatal("path traversal request succeeded")
	}
}

func TestStopAll(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(nil)
	urls := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		srv, err := reg.ServeFor(writePage(t))
		if err != nil {
			t.Fatalf("ServeFor() error = %v", err)
		}
		urls = append(urls, srv.URL)
	}

	if stopped := reg.StopAll(); stopped != 3 {
		t.Fatalf("StopAll() = %d, want 3", stopped)
	}
	if reg.Count() != 0 {
		t.Fatalf("Count() after StopAll = %d", reg.Count())
	}
	for _, url := range urls {
		if _, err := http.Get(fmt.Sprintf("%s/", url)); err == nil {
			t.Errorf("server %s still accepting connections", url)
		}
	}
}
