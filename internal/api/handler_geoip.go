package api

import (
	"fmt"
	"net/http"

	"github.com/vigilrelay/vigil/internal/service"
)

// geoLookupResult is one resolved IP in lookup responses.
type geoLookupResult struct {
	IP          string `json:"ip"`
	CountryCode string `json:"country_code"`
}

// HandleGeoIPStatus returns a handler for GET /api/v1/geoip/status.
func HandleGeoIPStatus(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, cp.GetGeoIPStatus())
	}
}

// HandleGeoIPLookup returns a handler for GET /api/v1/geoip/lookup.
// It resolves a single IP from the ip query parameter.
func HandleGeoIPLookup(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := r.URL.Query().Get("ip")
		if ip == "" {
			writeInvalidArgument(w, "ip query parameter is required")
			return
		}
		country, err := cp.LookupIP(ip)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, geoLookupResult{IP: ip, CountryCode: country})
	}
}

// HandleGeoIPLookupPost returns a handler for POST /api/v1/geoip/lookup.
// The batch form resolves every IP in the request or none: one bad
// entry fails the whole call so callers cannot miss partial results.
func HandleGeoIPLookupPost(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			IPs []string `json:"ips"`
		}
		if err := DecodeBody(r, &body); err != nil {
			writeDecodeBodyError(w, err)
			return
		}

		results := make([]geoLookupResult, len(body.IPs))
		for i, ip := range body.IPs {
			country, err := cp.LookupIP(ip)
			if err != nil {
				writeInvalidArgument(w, fmt.Sprintf("ips[%d]: invalid IP address", i))
				return
			}
			results[i] = geoLookupResult{IP: ip, CountryCode: country}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

// HandleGeoIPUpdate returns a handler for POST /api/v1/geoip/actions/update-now.
func HandleGeoIPUpdate(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cp.UpdateGeoIPNow(); err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
