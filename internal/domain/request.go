package domain

import (
	"net/http"
	"strings"
)

// Scheme is the addressing convention a request path was written in.
type Scheme string

const (
	SchemeUnknown     Scheme = ""
	SchemeEncoded     Scheme = "encoded"
	SchemeFilterChain Scheme = "filter_chain"
	SchemeCustom      Scheme = "custom"
)

func (s Scheme) String() string {
	if s == SchemeUnknown {
		return "unknown"
	}
	return string(s)
}

// Descriptor is an inbound image request: the URL path and request headers.
type Descriptor struct {
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Header looks up a header value ignoring the case of the name.
func (d Descriptor) Header(name string) string {
	if v, ok := d.Headers[name]; ok {
		return v
	}
	for k, v := range d.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// DescriptorFromHTTP builds a descriptor from an HTTP request, keeping the
// first value of every header.
func DescriptorFromHTTP(r *http.Request) Descriptor {
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	return Descriptor{Path: r.URL.EscapedPath(), Headers: headers}
}

// ResolvedRequest is the assembled form of a Descriptor, ready for the
// origin fetch and the renderer.
type ResolvedRequest struct {
	Scheme       Scheme
	Bucket       string
	Key          string
	Edits        EditSet
	OutputFormat string
	ContentType  string
}
