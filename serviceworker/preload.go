package serviceworker

import (
	"bytes"
	"net/http"
	"path"
	"strings"

	"golang.org/x/net/html"
)

const (
	// PreloadInjectionHeader is "disabled" to opt a response out of preload
	// injection and "always" to force it.
	PreloadInjectionHeader = "runtime-preload-injection"

	preloadBegin = "begin-runtime-preload"
	preloadEnd   = "end-runtime-preload"
)

// DefaultPreload is the markup injected into HTML served by workers.
const DefaultPreload = `<meta name="begin-runtime-preload">` +
	`<meta name="runtime-frame-source" content="serviceworker">` +
	`<meta name="runtime-protocol-handlers" content="{{protocol_handlers}}">` +
	`<script type="module" src="/socket/index.js"></script>` +
	`<meta name="end-runtime-preload">`

var htmlMarkers = [][]byte{
	[]byte("<!doctype html"),
	[]byte("<html"),
	[]byte("<body"),
	[]byte("<head"),
	[]byte("<script"),
}

// shouldInject decides whether a worker response body is HTML that takes
// the preload.
func shouldInject(pathname string, header http.Header, body []byte, injection string) bool {
	if len(body) == 0 || injection == "disabled" {
		return false
	}
	if injection == "always" {
		return true
	}
	if strings.HasSuffix(path.Ext(pathname), "html") {
		return true
	}
	if mediaType(header.Get("content-type")) == "text/html" {
		return true
	}

	lower := bytes.ToLower(body)
	for _, m := range htmlMarkers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}

func mediaType(contentType string) string {
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// markup holds byte offsets found while scanning a document.
type markup struct {
	optOut     bool
	beginStart int
	endEnd     int
	head       int
	body       int
	html       int
}

func scan(doc []byte) markup {
	m := markup{beginStart: -1, endEnd: -1, head: -1, body: -1, html: -1}
	z := html.NewTokenizer(bytes.NewReader(doc))
	offset := 0

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return m
		}

		start := offset
		offset += len(z.Raw())

		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}

		name, hasAttr := z.TagName()
		switch string(name) {
		case "head":
			if m.head < 0 {
				m.head = offset
			}
		case "body":
			if m.body < 0 {
				m.body = offset
			}
		case "html":
			if m.html < 0 {
				m.html = offset
			}
		case "meta":
			var metaName, content string
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				switch string(key) {
				case "name":
					metaName = string(val)
				case "content":
					content = string(val)
				}
			}
			switch {
			case metaName == PreloadInjectionHeader && content == "disabled":
				m.optOut = true
			case metaName == preloadBegin && m.beginStart < 0:
				m.beginStart = start
			case metaName == preloadEnd && m.beginStart >= 0 && m.endEnd < 0:
				m.endEnd = offset
			}
		}
	}
}

// InjectPreload inserts preload into doc after the opening head, body or
// html tag, in that order of preference, or at the start of doc. A block
// injected earlier is replaced. An inline
// <meta name="runtime-preload-injection" content="disabled"> suppresses
// the preload. {{protocol_handlers}} expands to the given schemes plus
// node: and npm: in both doc and preload.
func InjectPreload(doc []byte, preload string, schemes []string) []byte {
	if len(doc) == 0 {
		return doc
	}

	handlers := make([]string, 0, len(schemes)+2)
	for _, s := range schemes {
		handlers = append(handlers, s+":")
	}
	handlers = append(handlers, "node:", "npm:")
	expand := strings.NewReplacer("{{protocol_handlers}}", strings.Join(handlers, " "))

	out := []byte(expand.Replace(string(doc)))
	preload = expand.Replace(preload)

	if m := scan(out); m.beginStart >= 0 && m.endEnd > m.beginStart {
		out = append(out[:m.beginStart:m.beginStart], out[m.endEnd:]...)
	}

	m := scan(out)
	if m.optOut {
		preload = ""
	}

	at := 0
	switch {
	case m.head >= 0:
		at = m.head
	case m.body >= 0:
		at = m.body
	case m.html >= 0:
		at = m.html
	}

	result := make([]byte, 0, len(out)+len(preload))
	result = append(result, out[:at]...)
	result = append(result, preload...)
	result = append(result, out[at:]...)
	return result
}
