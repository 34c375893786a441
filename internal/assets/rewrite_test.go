package assets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/appshelf/appshelf/internal/catalog"
)

func setupAssets(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, rel := range []string{"style.css", "app.js", filepath.Join("img", "bg.png")} {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestRewriteHTMLRelativeRefs(t *testing.T) {
	t.Parallel()

	dir := setupAssets(t)
	id := catalog.ShortID{Kind: catalog.KindStatic, Seq: 7}
	html := `<link href="style.css"><script src='app.js'></script><div style="background: url(img/bg.png)">`

	got := RewriteHTML(html, id, dir)
	for _, want := range []string{
		`href="/assets/B007/style.css"`,
		`src='/assets/B007/app.js'`,
		`url(/assets/B007/img/bg.png)`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("rewritten HTML missing %q:\n%s", want, got)
		}
	}
}

func TestRewriteHTMLLeavesAbsoluteRefs(t *testing.T) {
	t.Parallel()

	dir := setupAssets(t)
	id := catalog.ShortID{Kind: catalog.KindStatic, Seq: 1}
	html := `<a href="https://example.com/x">x</a>` +
		`<script src="//cdn.example.com/lib.js"></script>` +
		`<img src="data:image/png;base64,AAAA">` +
		`<a href="/rooted/path">y</a>` +
		`<a href="#section">z</a>`

	if got := RewriteHTML(html, id, dir); got != html {
		t.Errorf("absolute refs were rewritten:\n%s", got)
	}
}

func TestRewriteHTMLSkipsMissingFiles(t *testing.T) {
	t.Parallel()

	dir := setupAssets(t)
	id := catalog.ShortID{Kind: catalog.KindStatic, Seq: 1}
	html := `<link href="missing.css">`
	if got := RewriteHTML(html, id, dir); got != html {
		t.Errorf("reference to missing file was rewritten:\n%s", got)
	}
}

func TestRewriteHTMLStripsQueryAndFragment(t *testing.T) {
	t.Parallel()

	dir := setupAssets(t)
	id := catalog.ShortID{Kind: catalog.KindStatic, Seq: 2}
	got := RewriteHTML(`<link href="style.css?v=3">`, id, dir)
	if !strings.Contains(got, `href="/assets/B002/style.css"`) {
		t.Errorf("query string handling wrong:\n%s", got)
	}
}

func TestResolveRefusesEscapes(t *testing.T) {
	t.Parallel()

	dir := setupAssets(t)
	if _, err := Resolve(dir, "../secret"); err == nil {
		t.Error("parent escape accepted")
	}
	if _, err := Resolve(dir, "img/../../secret"); err == nil {
		t.Error("nested escape accepted")
	}
	if _, err := Resolve(dir, "/etc/passwd"); err == nil {
		t.Error("absolute path accepted")
	}
	got, err := Resolve(dir, "img/bg.png")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != filepath.Join(dir, "img", "bg.png") {
		t.Errorf("Resolve() = %q", got)
	}
}
