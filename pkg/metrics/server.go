package metrics

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Route is an extra GET endpoint served next to /metrics, typically the
// health probes of a process that has no other HTTP listener.
type Route struct {
	Path    string
	Handler http.Handler
}

// NewServeMux serves /metrics, every route, and an index linking to them.
func NewServeMux(service string, routes ...Route) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler())
	paths := []string{"/metrics"}
	for _, r := range routes {
		mux.Handle("GET "+r.Path, r.Handler)
		paths = append(paths, r.Path)
	}

	var page strings.Builder
	fmt.Fprintf(&page, "<html><body><h1>%s</h1><ul>", html.EscapeString(service))
	for _, p := range paths {
		fmt.Fprintf(&page, `<li><a href="%[1]s">%[1]s</a></li>`, html.EscapeString(p))
	}
	page.WriteString("</ul></body></html>")
	index := page.String()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, index)
	})
	return mux
}

// StartServer serves NewServeMux on port in the background and returns the
// server's shutdown function.
func StartServer(port int, service string, routes ...Route) (shutdown func(context.Context) error) {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      NewServeMux(service, routes...),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("metrics server listening", "addr", server.Addr, "service", service)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	return server.Shutdown
}
