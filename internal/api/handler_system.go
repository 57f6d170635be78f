package api

import (
	"net/http"
	"sync/atomic"

	"github.com/vigilrelay/vigil/internal/config"
	"github.com/vigilrelay/vigil/internal/service"
)

// healthResponse is the liveness probe body.
type healthResponse struct {
	Status string `json:"status"`
}

// HandleHealthz returns a handler for GET /healthz. It is mounted
// outside the authenticated mux so load balancers can reach it.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// HandleSystemInfo returns a handler for GET /api/v1/system/info.
func HandleSystemInfo(info service.SystemInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, info)
	}
}

// HandleSystemConfig returns a handler for GET /api/v1/system/config.
func HandleSystemConfig(runtimeCfg *atomic.Pointer[config.RuntimeConfig]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if runtimeCfg == nil {
			WriteJSON(w, http.StatusOK, nil)
			return
		}
		WriteJSON(w, http.StatusOK, runtimeCfg.Load())
	}
}

// HandleSystemDefaultConfig returns a handler for GET /api/v1/system/config/default.
func HandleSystemDefaultConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, config.NewDefaultRuntimeConfig())
	}
}

// envConfigView is the boot configuration minus its secrets.
// SecretKey and AdminToken are never included.
type envConfigView struct {
	DataDir             string `json:"data_dir"`
	CacheDir            string `json:"cache_dir"`
	ListenAddress       string `json:"listen_address"`
	Port                int    `json:"port"`
	APIMaxBodyBytes     int    `json:"api_max_body_bytes"`
	ProbeConcurrency    int    `json:"probe_concurrency"`
	SourcesFile         string `json:"sources_file"`
	GeoIPUpdateSchedule string `json:"geoip_update_schedule"`
	GeoIPReleaseAPI     string `json:"geoip_release_api"`
	GeoIPDBFilename     string `json:"geoip_db_filename"`
	GeolocationAPIURL   string `json:"geolocation_api_url"`
	SweepSchedule       string `json:"sweep_schedule"`
	ShutdownTimeout     string `json:"shutdown_timeout"`
}

// HandleSystemEnvConfig returns a handler for GET /api/v1/system/config/env.
func HandleSystemEnvConfig(envCfg *config.EnvConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if envCfg == nil {
			WriteJSON(w, http.StatusOK, nil)
			return
		}
		WriteJSON(w, http.StatusOK, envConfigView{
			DataDir:             envCfg.DataDir,
			CacheDir:            envCfg.CacheDir,
			ListenAddress:       envCfg.ListenAddress,
			Port:                envCfg.Port,
			APIMaxBodyBytes:     envCfg.APIMaxBodyBytes,
			ProbeConcurrency:    envCfg.ProbeConcurrency,
			SourcesFile:         envCfg.SourcesFile,
			GeoIPUpdateSchedule: envCfg.GeoIPUpdateSchedule,
			GeoIPReleaseAPI:     envCfg.GeoIPReleaseAPI,
			GeoIPDBFilename:     envCfg.GeoIPDBFilename,
			GeolocationAPIURL:   envCfg.GeolocationAPIURL,
			SweepSchedule:       envCfg.SweepSchedule,
			ShutdownTimeout:     envCfg.ShutdownTimeout.String(),
		})
	}
}

// HandlePatchSystemConfig returns a handler for PATCH /api/v1/system/config.
func HandlePatchSystemConfig(cp *service.ControlPlaneService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := readRawBodyOrWriteInvalid(w, r)
		if !ok {
			return
		}
		result, err := cp.PatchRuntimeConfig(body)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, result)
	}
}
