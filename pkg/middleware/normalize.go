package middleware

import (
	"net/http"
	"path"
	"strings"
)

// Normalize cleans the request path and restores proxy-forwarded scheme/host.
//
// "/api//donations/ " and "/api/donations/" both route as "/api/donations".
func Normalize() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cleaned := cleanPath(r.URL.Path); cleaned != r.URL.Path {
				r.URL.Path = cleaned
				r.URL.RawPath = ""
			}
			if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
				r.URL.Scheme = proto
			}
			if host := r.Header.Get("X-Forwarded-Host"); host != "" {
				r.Host = host
			}
			next.ServeHTTP(w, r)
		})
	}
}

func cleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}
