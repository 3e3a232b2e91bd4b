// Package web embeds the browser chat client (dist/) and serves it.
package web

import (
	"embed"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
)

//go:embed all:dist
var distFS embed.FS

// Paths owned by the server. A miss under them is a 404, never the client page.
var reservedPrefixes = []string{"/api/", "/ws/", "/health/", "/metrics"}

// Handler returns an http.Handler that serves the embedded chat client.
// Other paths fall back to the chat page so shared deep links still open it.
func Handler() http.Handler {
	subFS, err := fs.Sub(distFS, "dist")
	if err != nil {
		panic("web: failed to create sub filesystem: " + err.Error())
	}
	fileServer := http.FileServer(http.FS(subFS))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range reservedPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				http.NotFound(w, r)
				return
			}
		}

		path := strings.TrimPrefix(r.URL.Path, "/")
		if path != "" && path != "index.html" && exists(subFS, path) {
			w.Header().Set("Cache-Control", "public, max-age=3600")
			fileServer.ServeHTTP(w, r)
			return
		}

		// The page carries the websocket client; always revalidate it.
		w.Header().Set("Cache-Control", "no-cache")
		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}

func exists(fsys fs.FS, path string) bool {
	f, err := fsys.Open(path)
	if err != nil {
		return false
	}
	if closeErr := f.Close(); closeErr != nil {
		slog.Debug("web: failed to close embedded file", "path", path, "error", closeErr)
	}
	return true
}
