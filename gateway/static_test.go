package gateway

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingFiles records every read so tests can prove none happened.
type countingFiles struct {
	mu    sync.Mutex
	reads []string
	err   error
}

func (c *countingFiles) ReadFile(name string) ([]byte, error) {
	c.mu.Lock()
	c.reads = append(c.reads, name)
	c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return osFiles{}.ReadFile(name)
}

func (c *countingFiles) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reads)
}

func writeSite(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "www")
	files := map[string]string{
		"index.html":         "<html>home</html>",
		"data/lesson.json":   `{"title":"calculus"}`,
		"scene.xyz":          "opaque",
		"css/site.CSS":       "body{}",
		"js/api-client.js":   "fetch('/api/generate')",
		"img/logo.svg":       "<svg/>",
		"assets/favicon.ico": "ico",
	}
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	}
	return root
}

func serveStatic(t *testing.T, s *StaticResolver, method, target string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec.Result()
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestStaticRootServesIndex(t *testing.T) {
	s, err := NewStaticResolver(writeSite(t), StaticOptions{})
	require.NoError(t, err)

	root := serveStatic(t, s, http.MethodGet, "/")
	index := serveStatic(t, s, http.MethodGet, "/index.html")

	assert.Equal(t, http.StatusOK, root.StatusCode)
	assert.Equal(t, "text/html", root.Header.Get("Content-Type"))
	assert.Equal(t, readBody(t, index), readBody(t, root))
}

func TestStaticContentTypes(t *testing.T) {
	s, err := NewStaticResolver(writeSite(t), StaticOptions{})
	require.NoError(t, err)

	cases := map[string]string{
		"/data/lesson.json":   "application/json",
		"/scene.xyz":          DefaultContentType,
		"/css/site.CSS":       "text/css",
		"/js/api-client.js":   "application/javascript",
		"/img/logo.svg":       "image/svg+xml",
		"/assets/favicon.ico": "image/x-icon",
	}
	for path, want := range cases {
		resp := serveStatic(t, s, http.MethodGet, path)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, want, resp.Header.Get("Content-Type"), path)
	}

	resp := serveStatic(t, s, http.MethodGet, "/data/lesson.json")
	assert.Equal(t, `{"title":"calculus"}`, readBody(t, resp))
	assert.Equal(t, "20", resp.Header.Get("Content-Length"))
}

func TestStaticExtraMIMETypes(t *testing.T) {
	s, err := NewStaticResolver(writeSite(t), StaticOptions{
		ExtraMIMETypes: map[string]string{".XYZ": "model/x-scene", ".json": "application/json; charset=utf-8"},
	})
	require.NoError(t, err)

	assert.Equal(t, "model/x-scene", s.ContentType("scene.xyz"))
	assert.Equal(t, "application/json; charset=utf-8", s.ContentType("a.json"))
	assert.Equal(t, "text/html", s.ContentType("INDEX.HTML"))

	// the built-in table is not modified by extras
	assert.Equal(t, "application/json", MIMETypes(nil)[".json"])
}

func TestStaticNotFound(t *testing.T) {
	s, err := NewStaticResolver(writeSite(t), StaticOptions{})
	require.NoError(t, err)

	resp := serveStatic(t, s, http.MethodGet, "/missing.html")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.Contains(t, readBody(t, resp), "404 Not Found")
}

func TestStaticReadFailure(t *testing.T) {
	files := &countingFiles{err: &fs.PathError{Op: "open", Path: "x", Err: fs.ErrPermission}}
	s, err := NewStaticResolver(writeSite(t), StaticOptions{Files: files})
	require.NoError(t, err)

	resp := serveStatic(t, s, http.MethodGet, "/index.html")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.Contains(t, readBody(t, resp), "500 Internal Server Error")
	assert.Equal(t, 1, files.count())
}

func TestStaticDirectoryIsServerError(t *testing.T) {
	s, err := NewStaticResolver(writeSite(t), StaticOptions{})
	require.NoError(t, err)

	resp := serveStatic(t, s, http.MethodGet, "/data")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestStaticTraversalIsForbiddenWithoutRead(t *testing.T) {
	root := writeSite(t)
	// sibling directory sharing the root's name as a string prefix
	sibling := root + "2"
	require.NoError(t, os.MkdirAll(sibling, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(sibling, "secret.txt"), []byte("secret"), 0644))

	files := &countingFiles{}
	s, err := NewStaticResolver(root, StaticOptions{Files: files})
	require.NoError(t, err)

	for _, target := range []string{
		"/../../etc/passwd",
		"/..",
		"/js/../../outside.txt",
		"/../www2/secret.txt",
		"/%2e%2e/%2e%2e/etc/passwd",
	} {
		resp := serveStatic(t, s, http.MethodGet, target)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, target)
		assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"), target)
		assert.Equal(t, "403 Forbidden", readBody(t, resp), target)
	}
	assert.Equal(t, 0, files.count(), "traversal attempts must not touch the filesystem")
}

func TestStaticDotSegmentsInsideRootAreAllowed(t *testing.T) {
	s, err := NewStaticResolver(writeSite(t), StaticOptions{})
	require.NoError(t, err)

	resp := serveStatic(t, s, http.MethodGet, "/js/../index.html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>home</html>", readBody(t, resp))
}

func TestResolve(t *testing.T) {
	root := t.TempDir()
	s, err := NewStaticResolver(root, StaticOptions{})
	require.NoError(t, err)

	p, err := s.Resolve("/")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "index.html"), p)

	p, err = s.Resolve("/a/b.css")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "a", "b.css"), p)

	_, err = s.Resolve("/../x")
	assert.True(t, errors.Is(err, ErrTraversal))
}

func TestWithin(t *testing.T) {
	assert.True(t, within("/srv/www", "/srv/www"))
	assert.True(t, within("/srv/www", "/srv/www/a"))
	assert.False(t, within("/srv/www", "/srv/www2/a"))
	assert.False(t, within("/srv/www", "/srv"))
	assert.True(t, within("/", "/etc/passwd"))
}

func TestStaticRootSymlinkIsResolved(t *testing.T) {
	site := writeSite(t)
	link := filepath.Join(t.TempDir(), "current")
	require.NoError(t, os.Symlink(site, link))

	s, err := NewStaticResolver(link, StaticOptions{})
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(site)
	require.NoError(t, err)
	assert.Equal(t, want, s.Root())

	resp := serveStatic(t, s, http.MethodGet, "/index.html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<html>home</html>", readBody(t, resp))

	resp = serveStatic(t, s, http.MethodGet, "/../current/index.html")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStaticMissingRootKeepsLexicalPath(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "not-built-yet")
	s, err := NewStaticResolver(missing, StaticOptions{})
	require.NoError(t, err)
	assert.Equal(t, "not-built-yet", filepath.Base(s.Root()))

	resp := serveStatic(t, s, http.MethodGet, "/")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
