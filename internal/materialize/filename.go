package materialize

import (
	"crypto/sha256"
	"encoding/hex"
	"lmsfetch/internal/crawler"
	"mime"
	"net/http"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxNameBytes = 200

// preferredExtensions overrides mime.ExtensionsByType for types that have several extensions.
var preferredExtensions = map[string]string{
	"text/html":       ".html",
	"text/plain":      ".txt",
	"application/pdf": ".pdf",
	"application/zip": ".zip",
	"image/jpeg":      ".jpg",
}

func isUnsafeRune(r rune) bool {
	if unicode.IsControl(r) || !unicode.IsPrint(r) {
		return true
	}
	switch r {
	case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
		return true
	}
	return false
}

// Sanitize makes `name` safe to use as a single path component, the result may be empty.
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case isUnsafeRune(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	result := strings.Trim(b.String(), " .")
	if strings.Trim(result, "_") == "" {
		return ""
	}
	return truncate(result, maxNameBytes)
}

// truncate cuts `name` down to `limit` bytes on a rune boundary, keeping its extension.
func truncate(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	ext := path.Ext(name)
	if len(ext) > limit/4 {
		ext = ""
	}
	stem := strings.TrimSuffix(name, ext)
	return strings.TrimRight(cutBytes(stem, limit-len(ext)), " .") + ext
}

// cutBytes returns the longest prefix of `s` that is at most `n` bytes and ends on a rune
// boundary.
func cutBytes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func hasFileExtension(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return ext != "" && ext != "." && ext != ".php"
}

// URLHash is the hex sha256 of the link's url.
func URLHash(link crawler.MaterialLink) string {
	sum := sha256.Sum256([]byte(link.URL.String()))
	return hex.EncodeToString(sum[:])
}

// FileName derives the destination file name of a link, in order of preference:
//  1. the last segment of the url path if it has an extension (and is not a php endpoint)
//  2. the link's label
//  3. `link-` followed by a hash of the url
func FileName(link crawler.MaterialLink) string {
	if link.URL != nil {
		base := path.Base(link.URL.Path)
		if hasFileExtension(base) {
			if name := Sanitize(base); name != "" {
				return name
			}
		}
	}
	if name := Sanitize(link.Label); name != "" {
		return name
	}
	if link.URL == nil {
		return "link"
	}
	return "link-" + URLHash(link)[:12]
}

// WithSuffix inserts `suffix` between the stem and the extension of `name`.
func WithSuffix(name, suffix string) string {
	ext := ""
	if hasFileExtension(name) {
		ext = path.Ext(name)
	}
	stem := strings.TrimSuffix(name, ext)
	stem = cutBytes(stem, maxNameBytes-len(ext)-len(suffix)-1)
	return stem + "-" + suffix + ext
}

// responseExtension guesses the extension of a response body from its headers.
func responseExtension(header http.Header) string {
	if header == nil {
		return ""
	}
	if disposition := header.Get("content-disposition"); disposition != "" {
		_, params, err := mime.ParseMediaType(disposition)
		if err == nil && hasFileExtension(params["filename"]) {
			return strings.ToLower(path.Ext(params["filename"]))
		}
	}

	mediatype, _, err := mime.ParseMediaType(header.Get("content-type"))
	if err != nil || mediatype == "" {
		return ""
	}
	if ext, ok := preferredExtensions[mediatype]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(mediatype)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}

// withResponseExtension appends the response's extension to `name` when it has none.
func withResponseExtension(name string, header http.Header) string {
	if hasFileExtension(name) {
		return name
	}
	ext := responseExtension(header)
	if ext == "" {
		return name
	}
	return truncate(name, maxNameBytes-len(ext)) + ext
}
