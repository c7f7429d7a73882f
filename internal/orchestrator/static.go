package orchestrator

import (
	"io/fs"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/cors"
)

// ContentType returns the MIME type for an HLS output or download file.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// noListingFS hides directories so that job trees can only be fetched by
// exact file name.
type noListingFS struct {
	root http.FileSystem
}

func (n noListingFS) Open(name string) (http.File, error) {
	f, err := n.root.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fs.ErrNotExist
	}
	return f, nil
}

// OutputsServer serves files under root read-only at prefix, without
// directory listings.
func OutputsServer(prefix, root string) http.Handler {
	files := http.StripPrefix(prefix, http.FileServer(noListingFS{root: http.Dir(root)}))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", ContentType(r.URL.Path))
		w.Header().Set("Cache-Control", "no-cache")
		files.ServeHTTP(w, r)
	})
}

// CORS allows cross-origin players to fetch playlists and call the API.
var CORS = cors.Handler(cors.Options{
	AllowedOrigins:       []string{"*"},
	AllowedMethods:       []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
	AllowedHeaders:       []string{"Content-Type", "Range"},
	ExposedHeaders:       []string{"Content-Length", "Content-Range"},
	MaxAge:               300,
	OptionsSuccessStatus: http.StatusNoContent,
})
