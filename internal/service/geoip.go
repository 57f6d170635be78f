package service

import (
	"net"
	"strings"
	"time"
)

// GeoIPStatus is the API response for GeoIP status.
type GeoIPStatus struct {
	DBMtime             string `json:"db_mtime"`
	NextScheduledUpdate string `json:"next_scheduled_update"`
}

// GetGeoIPStatus returns the current GeoIP database status.
func (s *ControlPlaneService) GetGeoIPStatus() GeoIPStatus {
	status := GeoIPStatus{}
	if s.GeoIP == nil {
		return status
	}
	if t := s.GeoIP.LastUpdated(); !t.IsZero() {
		status.DBMtime = t.UTC().Format(time.RFC3339Nano)
	}
	if t := s.GeoIP.NextScheduledUpdate(); !t.IsZero() {
		status.NextScheduledUpdate = t.UTC().Format(time.RFC3339Nano)
	}
	return status
}

// LookupIP returns the ISO country code for an IP address, or "" when
// the database has no record for it.
func (s *ControlPlaneService) LookupIP(ipStr string) (string, error) {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return "", invalidArg("ip: invalid IP address")
	}
	return s.GeoIP.Lookup(ip), nil
}

// UpdateGeoIPNow triggers an immediate GeoIP database update (blocks).
func (s *ControlPlaneService) UpdateGeoIPNow() error {
	if err := s.GeoIP.UpdateNow(); err != nil {
		return internal("geoip update failed", err)
	}
	return nil
}
