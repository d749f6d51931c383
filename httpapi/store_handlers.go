package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/xibosignage/cachecore/model"
)

// storeHandler serves PUT /store/{type}/{id} for a fixed FileType: the
// request body is stored verbatim and Content-Type must be set (§6).
func (s *Server) storeHandler(ft model.FileType) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ref := model.FileRef{Type: ft, ID: idParam(ps)}

		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			writeError(w, Error{"Content-Type header is required"}, http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, Error{err.Error()}, http.StatusBadRequest)
			return
		}

		ok, err := s.store.Put(ref, body, contentType)
		if err != nil {
			writeError(w, Error{err.Error()}, http.StatusInternalServerError)
			return
		}
		if !ok {
			writeError(w, Error{"store rejected write"}, http.StatusInsufficientStorage)
			return
		}
		writeSuccess(w)
	}
}

// storeWidgetHandler serves the nested form PUT /store/widget/{L}/{R}/{M}
// (§6), since a widget id is the layoutId/regionId/mediaId triple rather
// than a single path segment.
func (s *Server) storeWidgetHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id := ps.ByName("layout") + "/" + ps.ByName("region") + "/" + ps.ByName("media")
		ref := model.FileRef{Type: model.TypeWidget, ID: id}

		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "text/html"
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, Error{err.Error()}, http.StatusBadRequest)
			return
		}

		if _, err := s.store.Put(ref, body, contentType); err != nil {
			writeError(w, Error{err.Error()}, http.StatusInternalServerError)
			return
		}
		writeSuccess(w)
	}
}

// widgetPreprocessHandler triggers WidgetHtmlPreprocessor.CacheWidgetHtml
// on demand (the overview's "runs on-demand when widget HTML must be
// materialised"), taking raw HTML in the body and publishing the
// rewritten result under the same widget/{L}/{R}/{M} key storeWidgetHandler
// would use.
func (s *Server) widgetPreprocessHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		layout, region, media := ps.ByName("layout"), ps.ByName("region"), ps.ByName("media")

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, Error{err.Error()}, http.StatusBadRequest)
			return
		}

		out, err := s.preprocessor.CacheWidgetHtml(r.Context(), layout, region, media, string(body))
		if err != nil {
			writeError(w, Error{err.Error()}, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(out))
	}
}

type deleteRequestEntry struct {
	Type model.FileType `json:"type"`
	ID   string         `json:"id"`
}

type deleteRequest struct {
	Files []deleteRequestEntry `json:"files"`
}

type deleteResponse struct {
	Deleted int `json:"deleted"`
	Total   int `json:"total"`
}

// storeDeleteHandler serves POST /store/delete (§6): a best-effort batch
// delete returning counted results rather than a thrown error.
func (s *Server) storeDeleteHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req deleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, Error{"invalid request body: " + err.Error()}, http.StatusBadRequest)
		return
	}

	refs := make([]model.FileRef, 0, len(req.Files))
	for _, f := range req.Files {
		refs = append(refs, model.FileRef{Type: f.Type, ID: f.ID})
	}
	deleted, total := s.store.Remove(refs)
	writeJSON(w, deleteResponse{Deleted: deleted, Total: total})
}

type listResponseEntry struct {
	ID   string         `json:"id"`
	Type model.FileType `json:"type"`
	Size int64          `json:"size"`
}

type listResponse struct {
	Files []listResponseEntry `json:"files"`
}

// storeListHandler serves GET /store/list (§6).
func (s *Server) storeListHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	entries, err := s.store.List()
	if err != nil {
		writeError(w, Error{err.Error()}, http.StatusInternalServerError)
		return
	}

	files := make([]listResponseEntry, 0, len(entries))
	for _, e := range entries {
		files = append(files, listResponseEntry{ID: e.ID, Type: e.Type, Size: e.Size})
	}
	writeJSON(w, listResponse{Files: files})
}
