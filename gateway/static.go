package gateway

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

const (
	// DefaultContentType is used for extensions missing from the MIME table.
	DefaultContentType = "application/octet-stream"

	forbiddenBody   = "403 Forbidden"
	notFoundBody    = "<h1>404 Not Found</h1><p>The requested file was not found on this server.</p>"
	serverErrorBody = "<h1>500 Internal Server Error</h1><p>Sorry, there was an error on the server.</p>"
)

// ErrTraversal is returned by Resolve when a path escapes the document root.
var ErrTraversal = errors.New("path escapes document root")

var defaultMIMETypes = map[string]string{
	".html": "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
}

// MIMETypes returns the built-in extension table merged with extra. Keys are
// lowercased; extra entries win.
func MIMETypes(extra map[string]string) map[string]string {
	out := make(map[string]string, len(defaultMIMETypes)+len(extra))
	for ext, ct := range defaultMIMETypes {
		out[ext] = ct
	}
	for ext, ct := range extra {
		out[strings.ToLower(ext)] = ct
	}
	return out
}

// FileReader reads a whole file. The static resolver never touches the
// filesystem except through it.
type FileReader interface {
	ReadFile(name string) ([]byte, error)
}

type osFiles struct{}

func (osFiles) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

// StaticOptions configures a StaticResolver.
type StaticOptions struct {
	ExtraMIMETypes map[string]string
	Files          FileReader
	Logger         *zap.Logger
}

// StaticResolver serves files below a fixed document root.
type StaticResolver struct {
	root   string
	mime   map[string]string
	files  FileReader
	logger *zap.Logger
}

func NewStaticResolver(root string, opts StaticOptions) (*StaticResolver, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve document root: %w", err)
	}
	// canonical root; a root that does not exist yet keeps its lexical form
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("resolve document root: %w", err)
	}
	files := opts.Files
	if files == nil {
		files = osFiles{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaticResolver{
		root:   filepath.Clean(abs),
		mime:   MIMETypes(opts.ExtraMIMETypes),
		files:  files,
		logger: logger,
	}, nil
}

// Root returns the absolute document root with symlinks resolved.
func (s *StaticResolver) Root() string {
	return s.root
}

// Resolve maps a URL path to an absolute file path under the root.
// "/" maps to index.html.
func (s *StaticResolver) Resolve(urlPath string) (string, error) {
	if urlPath == "" || urlPath == "/" {
		urlPath = "/index.html"
	}
	candidate := filepath.Join(s.root, filepath.FromSlash(urlPath))
	if !within(s.root, candidate) {
		return "", ErrTraversal
	}
	return candidate, nil
}

// within reports whether p is root itself or below root. The separator check
// keeps /srv/www2 from passing as a child of /srv/www.
func within(root, p string) bool {
	if p == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(p, prefix)
}

// ContentType looks up the lowercased extension of name.
func (s *StaticResolver) ContentType(name string) string {
	if ct, ok := s.mime[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return DefaultContentType
}

func (s *StaticResolver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path, err := s.Resolve(r.URL.Path)
	if err != nil {
		s.logger.Warn("blocked path traversal",
			zap.String("path", r.URL.Path),
			zap.String("remote", r.RemoteAddr))
		writeText(w, http.StatusForbidden, "text/plain", forbiddenBody)
		return
	}

	content, err := s.files.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info("file not found", zap.String("file", path))
			writeText(w, http.StatusNotFound, "text/html", notFoundBody)
			return
		}
		s.logger.Error("file read failed", zap.String("file", path), zap.Error(err))
		writeText(w, http.StatusInternalServerError, "text/html", serverErrorBody)
		return
	}

	w.Header().Set("Content-Type", s.ContentType(path))
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

func writeText(w http.ResponseWriter, status int, contentType, body string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	w.Write([]byte(body))
}
