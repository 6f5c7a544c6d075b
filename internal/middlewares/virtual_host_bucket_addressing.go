package middlewares

import (
	"net"
	"net/http"
	"strings"
)

func stripPort(host string) string {
	if hostname, _, err := net.SplitHostPort(host); err == nil {
		return hostname
	}
	return host
}

// MakeVirtualHostBucketAddressingMiddleware rewrites requests to
// <bucket>.<baseEndpoint> into path style requests.
func MakeVirtualHostBucketAddressingMiddleware(baseEndpoint string, next http.Handler) http.Handler {
	baseHost := stripPort(baseEndpoint)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hostname := stripPort(r.Host)
		bucket, found := strings.CutSuffix(hostname, "."+baseHost)
		if found && bucket != "" {
			r.URL.Path = strings.TrimSuffix("/"+bucket+r.URL.Path, "/")
			if r.URL.RawPath != "" {
				r.URL.RawPath = strings.TrimSuffix("/"+bucket+r.URL.RawPath, "/")
			}
		}
		next.ServeHTTP(w, r)
	})
}
