package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/grafana/regexp"

	"scenestream-proxy/work/middleware"
	"scenestream-proxy/work/proxy"
)

// Router builds the HTTP surface. Manifest and caption routes carry gzip
// compression; media and static bytes go through uncompressed since their
// formats are already compressed.
func Router(sp *proxy.StreamProxy) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/entity/{id}/stream", HandleStream(sp)).Methods("GET")
	router.HandleFunc("/entity/{id}/stream.{ext:m3u8|m3u}", middleware.Gzip(HandleStream(sp))).Methods("GET")
	router.HandleFunc("/entity/{id}/stream.{ext}", HandleStream(sp)).Methods("GET")
	router.HandleFunc(`/entity/{id}/stream/{segment:.+\.m3u8?}`, middleware.Gzip(HandleSegment(sp))).Methods("GET")
	router.HandleFunc("/entity/{id}/stream/{segment:.+}", HandleSegment(sp)).Methods("GET")
	router.HandleFunc("/entity/{id}/caption", middleware.Gzip(HandleCaption(sp))).Methods("GET")
	router.HandleFunc("/proxy/media", HandleMedia(sp)).Methods("GET")
	router.HandleFunc("/health", HandleHealth(sp)).Methods("GET")

	return router
}

// captionLang validates the lang query parameter: a BCP-47-ish language
// code, e.g. "en", "pt-BR". Anything else is rejected before it reaches
// the upstream.
var captionLang = regexp.MustCompile(`^[a-zA-Z]{2,3}(-[a-zA-Z0-9]{2,8})?$`)

// HandleStream serves GET /entity/{id}/stream and /entity/{id}/stream.{ext}
// for direct playback and adaptive-streaming manifests.
func HandleStream(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		entityID := vars["id"]

		suffix := "stream"
		if ext := vars["ext"]; ext != "" {
			suffix = "stream." + ext
		}

		sp.ServeEntityStream(w, r, entityID, suffix)
	}
}

// HandleSegment serves GET /entity/{id}/stream/{segmentPath} for individual
// adaptive-streaming segments referenced by rewritten manifests.
func HandleSegment(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		entityID := vars["id"]
		segment := strings.TrimPrefix(vars["segment"], "/")
		if segment == "" {
			http.Error(w, "missing segment path", http.StatusBadRequest)
			return
		}

		sp.ServeEntityStream(w, r, entityID, "stream/"+segment)
	}
}

// HandleCaption serves GET /entity/{id}/caption?lang=&type=.
func HandleCaption(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		entityID := vars["id"]

		lang := r.URL.Query().Get("lang")
		if lang != "" && !captionLang.MatchString(lang) {
			http.Error(w, "invalid language", http.StatusBadRequest)
			return
		}

		sp.ServeCaption(w, r, entityID, lang, r.URL.Query().Get("type"))
	}
}

// HandleMedia serves GET /proxy/media?path=&instanceId= for static assets
// such as thumbnails and sprite sheets.
func HandleMedia(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Query().Get("path")
		if path == "" {
			http.Error(w, "missing path", http.StatusBadRequest)
			return
		}

		sp.ServeMedia(w, r, path, r.URL.Query().Get("instanceId"))
	}
}

// HandleHealth reports liveness plus a few cheap pipeline gauges.
func HandleHealth(sp *proxy.StreamProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":          "ok",
			"activeSessions":  sp.Registry.Len(),
			"availableSlots":  sp.Limiter.Available(),
			"queuedRequests":  sp.Limiter.Queued(),
		})
	}
}
