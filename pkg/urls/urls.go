// Package urls provides utility functions for working with URLs.
package urls

import (
	"net/url"
	"path"
	"strings"
)

const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"
)

// IsURLValid checks if the given URL is an absolute http(s) URL.
func IsURLValid(raw string) bool {
	u, err := url.Parse(raw)

	return err == nil && u.Host != "" && (u.Scheme == schemeHTTP || u.Scheme == schemeHTTPS)
}

// Normalize trims spaces, lowercases scheme and host and drops the fragment.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	return u.String()
}

// Host returns the hostname without "www." and port, or "" when raw does not parse.
func Host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Ext returns the lowercase extension of the URL path without the dot.
func Ext(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}

	return strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
}

// Resolve resolves ref against base, returning ref unchanged on parse errors.
func Resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}

	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}

	return b.ResolveReference(r).String()
}
