package router

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gobwas/glob"

	"github.com/apphost/apphost/internal/apperr"
	"github.com/apphost/apphost/internal/httpengine"
)

// DotfilesPolicy controls how StaticOptions treats path segments that
// begin with a dot: serve them, reject with 403, or report 404.
type DotfilesPolicy string

const (
	DotfilesAllow  DotfilesPolicy = "allow"
	DotfilesDeny   DotfilesPolicy = "deny"
	DotfilesIgnore DotfilesPolicy = "ignore"
)

// StaticOptions configures Router.Static.
type StaticOptions struct {
	Index       string // default "index.html"
	Dotfiles    DotfilesPolicy
	CacheMaxAge int // seconds; 0 disables Cache-Control
	Compress    bool
	IgnoreGlobs []string
}

// Static registers a wildcard GET under prefix serving files from root:
// traversal/dotfile checks, directory index resolution, ETag and
// If-Modified-Since revalidation, single-range requests, optional
// brotli compression and ignore-glob exclusion.
func (r *Router) Static(prefix, root string, opts StaticOptions) {
	if opts.Index == "" {
		opts.Index = "index.html"
	}
	if opts.Dotfiles == "" {
		opts.Dotfiles = DotfilesIgnore
	}
	ignore := compileGlobs(opts.IgnoreGlobs)

	prefix = "/" + strings.Trim(prefix, "/")
	wildcardPath := strings.TrimSuffix(prefix, "/") + "/*"

	r.Get(wildcardPath, func(c *Context) error {
		return serveStatic(c, prefix, root, opts, ignore)
	})
}

func compileGlobs(patterns []string) []glob.Glob {
	var out []glob.Glob
	for _, p := range patterns {
		if g, err := glob.Compile(p); err == nil {
			out = append(out, g)
		}
	}
	return out
}

func serveStatic(c *Context, prefix, root string, opts StaticOptions, ignore []glob.Glob) error {
	target, err := url.PathUnescape(pathOnly(c.req.Target))
	if err != nil {
		return c.Status(400, "bad request path")
	}

	rel := strings.TrimPrefix(target, prefix)
	rel = strings.TrimPrefix(rel, "/")

	segments := strings.Split(rel, "/")
	for _, seg := range segments {
		if seg == ".." {
			return c.Status(403, "forbidden")
		}
	}

	for _, seg := range segments {
		if strings.HasPrefix(seg, ".") && seg != "" {
			switch opts.Dotfiles {
			case DotfilesDeny:
				return c.Status(403, "forbidden")
			case DotfilesIgnore:
				return c.Status(404, "not found")
			}
		}
	}

	fsPath := filepath.Join(root, filepath.FromSlash(rel))
	for _, g := range ignore {
		if g.Match(filepath.Base(fsPath)) || g.Match(rel) {
			return c.Status(404, "not found")
		}
	}

	info, err := os.Stat(fsPath)
	if err != nil {
		return c.Status(404, "not found")
	}

	if info.IsDir() {
		if !strings.HasSuffix(target, "/") {
			return c.Redirect(target+"/", 301)
		}
		fsPath = filepath.Join(fsPath, opts.Index)
		info, err = os.Stat(fsPath)
		if err != nil {
			return c.Status(404, "not found")
		}
	}

	etag := fmt.Sprintf(`"%d-%d"`, info.Size(), info.ModTime().UnixMilli())
	if match := c.req.Header.Get("If-None-Match"); match != "" && match == etag {
		return c.Status(304, "")
	}
	if ims := c.req.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := time.Parse(time.RFC1123, ims); err == nil && !info.ModTime().After(t.Add(time.Second)) {
			return c.Status(304, "")
		}
	}

	data, err := os.ReadFile(fsPath)
	if err != nil {
		return fmt.Errorf("router: static read %s: %w: %w", fsPath, apperr.IO, err)
	}

	contentType := contentTypeFor(fsPath)

	h := c.baseHeader()
	h.Set("ETag", etag)
	h.Set("Last-Modified", info.ModTime().UTC().Format(time.RFC1123))
	h.Set("Content-Type", contentType)
	if opts.CacheMaxAge > 0 {
		h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", opts.CacheMaxAge))
	}

	if opts.Compress && isCompressible(contentType) && acceptsBrotli(c.req.Header.Get("Accept-Encoding")) {
		compressed, err := compressBrotli(data)
		if err == nil {
			h.Set("Content-Encoding", "br")
			c.responded = true
			return c.engine.WriteResponse(&httpengine.Response{Code: 200, Header: h, Body: compressed})
		}
	}

	if rng := c.req.Header.Get("Range"); rng != "" {
		if start, end, ok := parseRange(rng, info.Size()); ok {
			h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, info.Size()))
			c.responded = true
			return c.engine.WriteResponse(&httpengine.Response{Code: 206, Header: h, Body: data[start : end+1]})
		}
	}

	c.responded = true
	return c.engine.WriteResponse(&httpengine.Response{Code: 200, Header: h, Body: data})
}

// parseRange parses a "bytes=a-b" Range header value. Multi-range and
// open-ended forms are not supported.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, prefix)
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, err1 := strconv.ParseInt(parts[0], 10, 64)
	b, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	if a < 0 || a > b || b >= size {
		return 0, 0, false
	}
	return a, b, true
}

func compressBrotli(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func acceptsBrotli(acceptEncoding string) bool {
	for _, enc := range strings.Split(acceptEncoding, ",") {
		if strings.TrimSpace(enc) == "br" {
			return true
		}
	}
	return false
}

func isCompressible(contentType string) bool {
	return strings.HasPrefix(contentType, "text/") ||
		contentType == "application/json" ||
		contentType == "application/javascript"
}

var extContentTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript",
	".mjs":  "application/javascript",
	".json": "application/json",
	".txt":  "text/plain; charset=utf-8",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".ico":  "image/x-icon",
	".wasm": "application/wasm",
	".map":  "application/json",
}

func contentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := extContentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}
