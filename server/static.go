package server

import (
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go-socket/config"
)

const indexFile = "index.html"

// Static resolves request paths to files under the project root using
// prefix rules.
type Static struct {
	root  string
	rules []config.StaticRule
}

func NewStatic(root string, rules []config.StaticRule) *Static {
	return &Static{root: root, rules: rules}
}

// Resolve maps pathname to a file. forbidden is set when the path escapes
// a rule's directory. Directories resolve to their index.html.
func (s *Static) Resolve(pathname string) (path string, forbidden bool) {
	if p, err := url.PathUnescape(pathname); err == nil {
		pathname = p
	}

	for _, rule := range s.rules {
		if rule.Dir == "" || !strings.HasPrefix(pathname, rule.Prefix) {
			continue
		}

		relPath := strings.TrimPrefix(pathname, rule.Prefix)
		relPath = filepath.Clean(filepath.FromSlash(relPath))

		baseDir := filepath.Join(s.root, rule.Dir)
		fullPath := filepath.Join(baseDir, relPath)

		// Prevent ../../ escapes
		if fullPath != baseDir && !strings.HasPrefix(fullPath, baseDir+string(filepath.Separator)) {
			return "", true
		}

		info, err := os.Stat(fullPath)
		if err != nil {
			continue
		}
		if info.IsDir() {
			fullPath = filepath.Join(fullPath, indexFile)
			if info, err = os.Stat(fullPath); err != nil || info.IsDir() {
				continue
			}
		}
		return fullPath, false
	}
	return "", false
}

// Read loads the file for pathname with the headers to serve it with.
// The status is 200, 403 for an escaping path or 404.
func (s *Static) Read(method, pathname string) (int, http.Header, []byte) {
	header := http.Header{}
	if method != http.MethodGet && method != http.MethodHead {
		return http.StatusNotFound, header, nil
	}

	path, forbidden := s.Resolve(pathname)
	if forbidden {
		return http.StatusForbidden, header, []byte("Forbidden")
	}
	if path == "" {
		return http.StatusNotFound, header, nil
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return http.StatusNotFound, header, nil
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	header.Set("content-type", contentType)
	return http.StatusOK, header, body
}
