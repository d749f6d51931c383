// Package httpapi serves the local URL namespace of spec.md §6:
// GET/HEAD {BASE}/cache/{type}/{id}, PUT /store/{type}/{id} (plus the
// nested widget form), POST /store/delete, and GET /store/list.
// Grounded on the teacher pack's Sia node API (NebulousLabs-Sia/api/api.go,
// blocksocial-skynet/node/api) — httprouter route registration by module,
// an Error{Message} JSON envelope, and writeError/writeJSON/writeSuccess
// response helpers, carried over near-verbatim since that shape already
// matches what a narrow local REST surface needs.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/xibosignage/cachecore/contentstore"
	"github.com/xibosignage/cachecore/model"
	"github.com/xibosignage/cachecore/widget"
)

// Error is returned as the JSON body of any non-2xx response (mirrors the
// teacher's api.Error).
type Error struct {
	Message string `json:"message"`
}

func (e Error) Error() string { return e.Message }

func writeError(w http.ResponseWriter, err Error, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if json.NewEncoder(w).Encode(err) != nil {
		http.Error(w, "failed to encode error response", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, obj any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if json.NewEncoder(w).Encode(obj) != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func writeSuccess(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Server exposes the ContentStore and WidgetHtmlPreprocessor over the
// local URL namespace consumed by the rendering engine.
type Server struct {
	store        *contentstore.Store
	preprocessor *widget.Preprocessor
	Handler      http.Handler
}

// NewServer builds the router for all §6 routes. preprocessor may be nil
// if widget preprocessing is driven entirely out-of-band.
func NewServer(store *contentstore.Store, preprocessor *widget.Preprocessor) *Server {
	s := &Server{store: store, preprocessor: preprocessor}
	s.Handler = s.router()
	return s
}

// flatTypes enumerates every FileType except widget, which
// needs its own routes because a widget id is a layoutId/regionId/mediaId
// triple containing slashes httprouter's single-segment :id cannot match
// (§3 "for widgets a triple"). Registering a generic "/cache/:type/:id"
// alongside a static "/cache/widget/*id" would conflict in httprouter's
// routing tree (a wildcard and a static literal cannot share a segment),
// so every type gets its own literal route instead.
var flatTypes = []model.FileType{model.TypeMedia, model.TypeLayout, model.TypeStatic, model.TypeResource}

func (s *Server) router() http.Handler {
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(s.unrecognizedCallHandler)

	for _, ft := range flatTypes {
		h := s.cacheHandler(ft)
		router.GET("/cache/"+string(ft)+"/:id", h)
		router.HEAD("/cache/"+string(ft)+"/:id", h)

		router.PUT("/store/"+string(ft)+"/:id", s.storeHandler(ft))
	}
	widgetCache := s.cacheHandler(model.TypeWidget)
	router.GET("/cache/widget/*id", widgetCache)
	router.HEAD("/cache/widget/*id", widgetCache)
	router.PUT("/store/widget/:layout/:region/:media", s.storeWidgetHandler())

	router.POST("/store/delete", s.storeDeleteHandler)
	router.GET("/store/list", s.storeListHandler)

	if s.preprocessor != nil {
		router.POST("/widget/:layout/:region/:media", s.widgetPreprocessHandler())
	}

	return router
}

func (s *Server) unrecognizedCallHandler(w http.ResponseWriter, r *http.Request) {
	writeError(w, Error{"404 - no such route"}, http.StatusNotFound)
}
