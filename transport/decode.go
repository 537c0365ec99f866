package transport

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// sniffWindow is how much of the body is searched for a meta charset.
const sniffWindow = 1024

// decodeBody converts body to UTF-8. Declared charsets were already applied by
// the collector, so this only runs for bodies that are still not UTF-8: a meta
// declaration wins, then statistical detection. Whatever cannot be decoded is
// replaced with U+FFFD.
func decodeBody(body []byte, contentType string) []byte {
	if utf8.Valid(body) {
		return body
	}
	if enc := sniffEncoding(body, contentType); enc != nil {
		if decoded, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
			body = decoded
		}
	}
	if utf8.Valid(body) {
		return body
	}
	return []byte(strings.ToValidUTF8(string(body), "\uFFFD"))
}

func sniffEncoding(body []byte, contentType string) encoding.Encoding {
	enc, _, certain := charset.DetermineEncoding(body, contentType)
	if certain || declaresCharset(body) {
		return enc
	}
	// DetermineEncoding falls back to windows-1252 when it finds nothing.
	detector := chardet.NewTextDetector()
	result, err := detector.DetectBest(body)
	if err != nil || result == nil {
		return enc
	}
	if detected, _ := charset.Lookup(result.Charset); detected != nil {
		return detected
	}
	return enc
}

func declaresCharset(body []byte) bool {
	if len(body) > sniffWindow {
		body = body[:sniffWindow]
	}
	return bytes.Contains(bytes.ToLower(body), []byte("charset"))
}
