package httpapi

import (
	"net/http"
	"path/filepath"
)

// staticRoutes serves the bundled web frontend from dir.
func (s *Server) staticRoutes(dir string) {
	m := s.mux
	m.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, filepath.Join(dir, "cupcake.html"))
	})
	m.HandleFunc("GET /favicon.ico", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, filepath.Join(dir, "img", "favicon.ico"))
	})
	m.HandleFunc("GET /download/cupcake.yml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", `attachment; filename="cupcake.yml"`)
		http.ServeFile(w, r, filepath.Join(dir, "cloudformation", "cupcake.yml"))
	})
	fs := http.FileServer(http.Dir(dir))
	for _, sub := range []string{"js", "css", "img", "webfonts"} {
		m.Handle("GET /"+sub+"/", fs)
	}
}
