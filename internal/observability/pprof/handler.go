// Package pprof mounts the runtime profiler under an arbitrary prefix.
package pprof

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"
)

const DefaultPrefix = "/debug/pprof/"

// Handler serves the profiler under prefix. Authentication is the caller's job.
func Handler(prefix string) http.Handler {
	prefix = NormalizePrefix(prefix)
	base := strings.TrimSuffix(prefix, "/")

	mux := http.NewServeMux()
	mux.HandleFunc(prefix, indexAt(prefix))
	for name, h := range map[string]http.HandlerFunc{
		"cmdline": hpprof.Cmdline,
		"profile": hpprof.Profile,
		"symbol":  hpprof.Symbol,
		"trace":   hpprof.Trace,
	} {
		mux.HandleFunc(base+"/"+name, h)
	}
	mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
	})
	return mux
}

// NormalizePrefix returns prefix with exactly one leading and trailing slash.
func NormalizePrefix(prefix string) string {
	p := strings.Trim(strings.TrimSpace(prefix), "/")
	if p == "" {
		return DefaultPrefix
	}
	return "/" + p + "/"
}

// indexAt serves the index and named profiles (heap, goroutine, ...). The
// stdlib index only understands paths rooted at DefaultPrefix.
func indexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = DefaultPrefix + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}
