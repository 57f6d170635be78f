package geoip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"
	"github.com/robfig/cron/v3"

	"github.com/vigilrelay/vigil/internal/netutil"
)

// GeoReader abstracts the country database reader. The interface keeps the
// service testable and lets the mmdb backend be swapped out.
type GeoReader interface {
	// Lookup returns the ISO 3166-1 alpha-2 country code for ip, or ""
	// when the address is not in the database.
	Lookup(ip net.IP) string
	Close() error
}

// OpenFunc opens a country database file and returns a GeoReader.
type OpenFunc func(path string) (GeoReader, error)

// noOpReader returns "" for all lookups.
type noOpReader struct{}

func (noOpReader) Lookup(_ net.IP) string { return "" }
func (noOpReader) Close() error           { return nil }

// NoOpOpen is an OpenFunc for tests. Always returns a reader that
// returns empty string.
func NoOpOpen(_ string) (GeoReader, error) { return noOpReader{}, nil }

// countryRecord maps the country section of a GeoLite2-Country database.
type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

type mmdbReader struct {
	reader *maxminddb.Reader
}

func (m *mmdbReader) Lookup(ip net.IP) string {
	var rec countryRecord
	if err := m.reader.Lookup(ip, &rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

func (m *mmdbReader) Close() error { return m.reader.Close() }

// MMDBOpen opens a MaxMind-format country database. This is the
// production OpenFunc.
func MMDBOpen(path string) (GeoReader, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, err
	}
	return &mmdbReader{reader: reader}, nil
}

// DefaultReleaseAPIURL is the GitHub API endpoint for the latest
// GeoLite2 mmdb redistribution release.
const DefaultReleaseAPIURL = "https://api.github.com/repos/P3TERX/GeoLite.mmdb/releases/latest"

// ServiceConfig configures the country lookup service.
type ServiceConfig struct {
	CacheDir       string             // directory where the database is stored
	DBFilename     string             // default "GeoLite2-Country.mmdb"
	UpdateSchedule string             // cron expression, default "0 5 * * 1"
	ReleaseAPIURL  string             // default DefaultReleaseAPIURL
	OpenDB         OpenFunc           // function to open the database
	Downloader     netutil.Downloader // shared downloader for fetching releases
}

// Service answers country lookups from a local mmdb file and keeps
// that file fresh: a cron schedule downloads new releases, verifies
// them, and hot-swaps the reader under an RWMutex.
type Service struct {
	mu     sync.RWMutex
	reader GeoReader // nil until first load

	cacheDir      string
	dbFilename    string
	releaseAPIURL string
	openDB        OpenFunc
	downloader    netutil.Downloader
	cron          *cron.Cron
	cronEntryID   cron.EntryID
	updateMu      sync.Mutex // serializes UpdateNow calls
	lifeCtx       context.Context
	lifeCancel    context.CancelFunc
}

// NewService creates the country lookup service and registers its
// update schedule. Nothing runs until Start.
func NewService(cfg ServiceConfig) *Service {
	if cfg.DBFilename == "" {
		cfg.DBFilename = "GeoLite2-Country.mmdb"
	}
	if cfg.UpdateSchedule == "" {
		cfg.UpdateSchedule = "0 5 * * 1"
	}
	if cfg.ReleaseAPIURL == "" {
		cfg.ReleaseAPIURL = DefaultReleaseAPIURL
	}
	c := cron.New()
	lifeCtx, lifeCancel := context.WithCancel(context.Background())
	s := &Service{
		cacheDir:      cfg.CacheDir,
		dbFilename:    cfg.DBFilename,
		releaseAPIURL: cfg.ReleaseAPIURL,
		openDB:        cfg.OpenDB,
		downloader:    cfg.Downloader,
		cron:          c,
		lifeCtx:       lifeCtx,
		lifeCancel:    lifeCancel,
	}

	entryID, err := c.AddFunc(cfg.UpdateSchedule, func() {
		if err := s.UpdateNow(); err != nil {
			log.Printf("[geoip] scheduled update failed: %v", err)
		}
	})
	if err != nil {
		log.Printf("[geoip] invalid cron expression %q: %v", cfg.UpdateSchedule, err)
	} else {
		s.cronEntryID = entryID
	}

	return s
}

// Start loads the local database when one exists, kicks off a
// background download when it is missing or stale, and starts the
// update scheduler.
func (s *Service) Start() error {
	dbPath := filepath.Join(s.cacheDir, s.dbFilename)
	info, err := os.Stat(dbPath)
	switch {
	case os.IsNotExist(err):
		log.Println("[geoip] no local database found, triggering background download")
		go s.updateInBackground("initial download")
	case err != nil:
		return fmt.Errorf("geoip: stat db %s: %w", dbPath, err)
	default:
		if err := s.reloadReader(dbPath); err != nil {
			log.Printf("[geoip] failed to load initial db: %v", err)
		}
		if s.isStale(info.ModTime()) {
			log.Println("[geoip] database is stale, triggering background update")
			go s.updateInBackground("startup update")
		}
	}
	s.cron.Start()
	return nil
}

func (s *Service) updateInBackground(reason string) {
	if err := s.UpdateNow(); err != nil {
		log.Printf("[geoip] %s failed: %v", reason, err)
	}
}

// isStale reports whether the database file is old enough to have
// missed at least one scheduled refresh. Twice the gap between two
// consecutive firings tolerates one failed run; when the schedule is
// unknown the cutoff is 32 days.
func (s *Service) isStale(modTime time.Time) bool {
	const fallbackCutoff = 32 * 24 * time.Hour
	entry := s.cron.Entry(s.cronEntryID)
	if entry.ID == 0 || entry.Schedule == nil {
		return time.Since(modTime) > fallbackCutoff
	}
	next := entry.Schedule.Next(time.Now())
	interval := entry.Schedule.Next(next).Sub(next)
	if interval <= 0 {
		interval = fallbackCutoff
	}
	return time.Since(modTime) > 2*interval
}

// Stop cancels future updates, waits for an in-flight one to finish,
// and closes the reader.
func (s *Service) Stop() {
	if s.lifeCancel != nil {
		s.lifeCancel()
	}
	if s.cron != nil {
		s.cron.Stop()
	}
	// An in-flight UpdateNow still holds the update lock.
	s.updateMu.Lock()
	s.updateMu.Unlock()
	s.mu.Lock()
	r := s.reader
	s.reader = nil
	s.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// Lookup returns the country code for the given IP address.
// Thread-safe: holds RLock for the entire duration of the lookup.
func (s *Service) Lookup(ip net.IP) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.reader == nil {
		return ""
	}
	return s.reader.Lookup(ip)
}

// releaseAsset represents a GitHub release asset.
type releaseAsset struct {
	Name               string  `json:"name"`
	Digest             *string `json:"digest"`
	BrowserDownloadURL string  `json:"browser_download_url"`
}

// releaseInfo represents a GitHub release.
type releaseInfo struct {
	TagName string         `json:"tag_name"`
	Assets  []releaseAsset `json:"assets"`
}

// databaseAsset returns the download URL and sha256 hex for the named
// asset. Either value is empty when not present in the release.
func (r releaseInfo) databaseAsset(name string) (url, sha256Hex string) {
	for _, a := range r.Assets {
		if a.Name != name {
			continue
		}
		url = a.BrowserDownloadURL
		if a.Digest != nil {
			sha256Hex = parseSHA256Digest(*a.Digest)
		}
	}
	return url, sha256Hex
}

// UpdateNow fetches the latest release, downloads the database asset,
// verifies its SHA256 digest, atomically replaces the local file, and
// hot-reloads the reader. An unverifiable asset never replaces the
// local copy. Serialized via updateMu to prevent temp file races.
func (s *Service) UpdateNow() error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	if s.downloader == nil {
		return fmt.Errorf("geoip: no downloader configured")
	}
	ctx := context.Background()
	if s.lifeCtx != nil {
		ctx = s.lifeCtx
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	release, err := s.latestRelease(ctx)
	if err != nil {
		return err
	}
	dbURL, expectedHash := release.databaseAsset(s.dbFilename)
	if dbURL == "" {
		return fmt.Errorf("geoip: asset %q not found in release %s", s.dbFilename, release.TagName)
	}
	if expectedHash == "" {
		return fmt.Errorf("geoip: asset %q in release %s is missing valid sha256 digest; refusing to replace without verification",
			s.dbFilename, release.TagName)
	}

	dbData, err := s.downloader.Download(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("geoip: download db: %w", err)
	}
	tmpPath, err := s.stageTemp(dbData)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath) // no-op once renamed

	if err := VerifySHA256(tmpPath, expectedHash); err != nil {
		return err
	}
	dbPath := filepath.Join(s.cacheDir, s.dbFilename)
	if err := os.Rename(tmpPath, dbPath); err != nil {
		return fmt.Errorf("geoip: atomic replace: %w", err)
	}
	return s.reloadReader(dbPath)
}

func (s *Service) latestRelease(ctx context.Context) (releaseInfo, error) {
	body, err := s.downloader.Download(ctx, s.releaseAPIURL)
	if err != nil {
		return releaseInfo{}, fmt.Errorf("geoip: fetch release info: %w", err)
	}
	var release releaseInfo
	if err := json.Unmarshal(body, &release); err != nil {
		return releaseInfo{}, fmt.Errorf("geoip: parse release info: %w", err)
	}
	return release, nil
}

// stageTemp writes data to a unique temp file in the cache directory
// so the verified rename stays on one filesystem.
func (s *Service) stageTemp(data []byte) (string, error) {
	tmp, err := os.CreateTemp(s.cacheDir, s.dbFilename+".tmp.*")
	if err != nil {
		return "", fmt.Errorf("geoip: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("geoip: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("geoip: close temp: %w", err)
	}
	return tmp.Name(), nil
}

// reloadReader atomically replaces the current reader with a new one.
// Safe: RLock holders finish before old reader is closed.
func (s *Service) reloadReader(path string) error {
	if s.openDB == nil {
		return fmt.Errorf("geoip: no OpenDB function configured")
	}
	newReader, err := s.openDB(path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", path, err)
	}
	s.mu.Lock()
	old := s.reader
	s.reader = newReader
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// VerifySHA256 checks that the file at path has the expected SHA256 hash.
func VerifySHA256(path, expectedHex string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	got := sha256.Sum256(data)
	gotHex := hex.EncodeToString(got[:])
	if gotHex != expectedHex {
		return fmt.Errorf("geoip: sha256 mismatch: got %s, want %s", gotHex, expectedHex)
	}
	return nil
}

// LastUpdated returns the modification time of the database file.
func (s *Service) LastUpdated() time.Time {
	dbPath := filepath.Join(s.cacheDir, s.dbFilename)
	info, err := os.Stat(dbPath)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// NextScheduledUpdate returns when the cron scheduler will next refresh
// the database. Zero until Start has run, or when the configured cron
// expression failed to parse.
func (s *Service) NextScheduledUpdate() time.Time {
	if s.cronEntryID == 0 {
		return time.Time{}
	}
	return s.cron.Entry(s.cronEntryID).Next
}

// parseSHA256Digest extracts the hex hash from a "sha256:<hex>" digest
// string as reported by the GitHub release API. Returns "" for any other
// algorithm or a malformed hash.
func parseSHA256Digest(s string) string {
	s = strings.TrimSpace(s)
	const prefix = "sha256:"
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return ""
	}
	hexPart := strings.ToLower(s[len(prefix):])
	if len(hexPart) != 64 {
		return ""
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return ""
	}
	return hexPart
}
