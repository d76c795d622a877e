package httpwire

import (
	"fmt"
	"strings"
)

// AppendGET appends a minimal HTTP/1.1 GET request for target on host to dst.
// An empty target requests "/".
func AppendGET(dst []byte, host, target string, extra []Header) []byte {
	if target == "" {
		target = "/"
	}
	dst = append(dst, "GET "...)
	dst = append(dst, target...)
	dst = append(dst, " HTTP/1.1\r\nHost: "...)
	dst = append(dst, host...)
	dst = append(dst, "\r\n"...)
	for _, h := range extra {
		dst = append(dst, h.Name...)
		dst = append(dst, ": "...)
		dst = append(dst, h.Value...)
		dst = append(dst, "\r\n"...)
	}
	return append(dst, "\r\n"...)
}

// ValidateHeader rejects header fields that would corrupt a request.
func ValidateHeader(h Header) error {
	if h.Name == "" {
		return fmt.Errorf("header name is empty")
	}
	for i := 0; i < len(h.Name); i++ {
		if !isTokenChar(h.Name[i]) {
			return fmt.Errorf("header name %q: invalid byte %q", h.Name, h.Name[i])
		}
	}
	if strings.ContainsAny(h.Value, "\r\n\x00") {
		return fmt.Errorf("header %s: value contains CR, LF or NUL", h.Name)
	}
	return nil
}
