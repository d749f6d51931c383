package httpapi

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/xibosignage/cachecore/model"
)

// idParam reads the id path parameter, stripping the leading slash a
// catch-all (*id, used for widget triples) carries but a plain :id does
// not.
func idParam(ps httprouter.Params) string {
	return strings.TrimPrefix(ps.ByName("id"), "/")
}

// cacheHandler serves GET/HEAD {BASE}/cache/{type}/{id} for a fixed
// FileType. http.ServeContent does the Range/If-Range/HEAD handling
// (§6 "content-range slice when Range header is present"), grounded on
// the teacher's own use of http.ServeContent for skylink downloads
// (node/api/skynethelpers.go).
func (s *Server) cacheHandler(ft model.FileType) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ref := model.FileRef{Type: ft, ID: idParam(ps)}

		data, err := s.store.Get(ref)
		if err != nil {
			writeError(w, Error{err.Error()}, http.StatusInternalServerError)
			return
		}
		if data == nil {
			writeError(w, Error{"not found"}, http.StatusNotFound)
			return
		}
		http.ServeContent(w, r, ref.Key(), time.Time{}, bytes.NewReader(data))
	}
}
