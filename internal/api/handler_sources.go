package api

import (
	"net/http"

	"github.com/vigilrelay/vigil/internal/service"
)

// HandleSourcesSnapshot returns a handler for GET /api/v1/sources.
func HandleSourcesSnapshot(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.SourcesSnapshot())
	}
}

// HandleRefreshSources returns a handler for POST /api/v1/sources/actions/refresh.
// The refresh runs synchronously; the response is the working set now
// in effect.
func HandleRefreshSources(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := cp.RefreshSources(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, snap)
	}
}
