package api

import (
	"net/http"
	"strings"

	"github.com/vigilrelay/vigil/internal/service"
)

// HandleStatus returns a handler for GET /api/v1/status.
func HandleStatus(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.Status())
	}
}

// HandleListRelays returns a handler for GET /api/v1/relays.
func HandleListRelays(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		items, total, err := cp.ListRelays(pg.Limit, pg.Offset)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WritePage(w, http.StatusOK, items, total, pg)
	}
}

// HandleGetRelay returns a handler for GET /api/v1/relays/{url...}.
// The relay is addressed by host (and optional path), with or without
// the wss:// scheme: /api/v1/relays/relay.damus.io.
func HandleGetRelay(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := PathParam(r, "url")
		if strings.TrimSpace(raw) == "" {
			writeInvalidArgument(w, "relay url is required")
			return
		}
		detail, err := cp.GetRelay(r.Context(), raw)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, detail)
	}
}

// HandleProbeRelay returns a handler for POST /api/v1/relays/actions/probe.
// The probe runs synchronously; the response is the fresh probe result.
func HandleProbeRelay(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			URL string `json:"url"`
		}
		if err := DecodeBody(r, &body); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if strings.TrimSpace(body.URL) == "" {
			writeInvalidArgument(w, "url is required")
			return
		}
		res, err := cp.ProbeRelay(r.Context(), body.URL)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// HandlePublishRelay returns a handler for POST /api/v1/relays/actions/publish.
func HandlePublishRelay(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			URL   string `json:"url"`
			Force bool   `json:"force"`
		}
		if err := DecodeBody(r, &body); err != nil {
			writeDecodeBodyError(w, err)
			return
		}
		if strings.TrimSpace(body.URL) == "" {
			writeInvalidArgument(w, "url is required")
			return
		}
		out, err := cp.PublishRelay(r.Context(), body.URL, body.Force)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

// HandlePublishAll returns a handler for POST /api/v1/relays/actions/publish-all.
// The body is optional; {"force": true} bypasses the material-change gate.
func HandlePublishAll(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		force := false
		if r.Body != nil && r.ContentLength != 0 {
			var body struct {
				Force bool `json:"force"`
			}
			if err := DecodeBody(r, &body); err != nil {
				writeDecodeBodyError(w, err)
				return
			}
			force = body.Force
		}
		outcomes := cp.PublishAll(r.Context(), force)
		WriteJSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
	}
}

// HandleListMonitors returns a handler for GET /api/v1/monitors.
func HandleListMonitors(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pg, ok := parsePaginationOrWriteInvalid(w, r)
		if !ok {
			return
		}
		stats, err := cp.ListMonitors()
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WritePageOf(w, http.StatusOK, stats, pg)
	}
}
