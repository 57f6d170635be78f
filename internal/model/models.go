// Package model defines domain structs shared across the persistence layer.
package model

// Relay type classifications assigned by the prober.
const (
	RelayTypeGeneral     = "general"
	RelayTypeNIP46       = "nip46"
	RelayTypeSpecialized = "specialized"
	RelayTypeUnknown     = "unknown"
)

// Access levels observed on the read query.
const (
	AccessOpen            = "open"
	AccessRestricted      = "restricted"
	AccessAuthRequired    = "auth_required"
	AccessPaymentRequired = "payment_required"
	AccessUnknown         = "unknown"
)

// Assertion statuses.
const (
	StatusEvaluated        = "evaluated"
	StatusInsufficientData = "insufficient_data"
	StatusUnreachable      = "unreachable"
	StatusBlocked          = "blocked"
)

// Confidence tiers derived from weighted observation counts.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// Operator verification methods, strongest first.
const (
	VerifyNIP11Signed = "nip11_signed"
	VerifyDNS         = "dns"
	VerifyWellKnown   = "wellknown"
	VerifyNIP11       = "nip11"
	VerifyVouched     = "vouched"
	VerifyClaimed     = "claimed"
)

// Policy classifications published with an assertion.
const (
	PolicyOpen        = "open"
	PolicyModerated   = "moderated"
	PolicyCurated     = "curated"
	PolicySpecialized = "specialized"
)

// ProbeResult is one row per probe attempt. Immutable after insert.
// Timestamps are unix seconds. Timing fields are integer milliseconds;
// nil means the phase was not measured.
type ProbeResult struct {
	RelayURL         string `json:"relay_url"`
	CheckedAt        int64  `json:"checked_at"`
	Reachable        bool   `json:"reachable"`
	RelayType        string `json:"relay_type"`
	AccessLevel      string `json:"access_level"`
	ConnectTimeMs    *int64 `json:"connect_time_ms,omitempty"`
	NIP11FetchTimeMs *int64 `json:"nip11_fetch_time_ms,omitempty"`
	ReadTimeMs       *int64 `json:"read_time_ms,omitempty"`
	WriteTimeMs      *int64 `json:"write_time_ms,omitempty"`
	NIP11JSON        string `json:"nip11_json,omitempty"`
	ClosedReason     string `json:"closed_reason,omitempty"`
	Error            string `json:"error,omitempty"`
}

// TelemetryMetric is one ingested kind-30166 observation, keyed by event id.
// RTT fields are milliseconds validated to [0, 60000]; nil means the tag
// was absent or discarded.
type TelemetryMetric struct {
	EventID           string `json:"event_id"`
	RelayURL          string `json:"relay_url"`
	MonitorPubkey     string `json:"monitor_pubkey"`
	CreatedAt         int64  `json:"created_at"`
	RTTOpenMs         *int64 `json:"rtt_open_ms,omitempty"`
	RTTReadMs         *int64 `json:"rtt_read_ms,omitempty"`
	RTTWriteMs        *int64 `json:"rtt_write_ms,omitempty"`
	Network           string `json:"network,omitempty"`
	SupportedNIPsJSON string `json:"supported_nips_json,omitempty"`
	Geohash           string `json:"geohash,omitempty"`
}

// MonitorStats tracks per-monitor ingest bookkeeping and any kind-10166
// announcement metadata.
type MonitorStats struct {
	Pubkey           string `json:"pubkey"`
	EventCount       int64  `json:"event_count"`
	FirstSeen        int64  `json:"first_seen"`
	LastSeen         int64  `json:"last_seen"`
	FrequencySeconds int64  `json:"frequency_seconds,omitempty"`
	AnnouncedAt      int64  `json:"announced_at,omitempty"`
}

// MonitorReading is the latest observation a monitor holds for one relay,
// used for percentile ranking across the monitor's tracked set.
type MonitorReading struct {
	MonitorPubkey string `json:"monitor_pubkey"`
	RelayURL      string `json:"relay_url"`
	RTTOpenMs     *int64 `json:"rtt_open_ms,omitempty"`
	RTTReadMs     *int64 `json:"rtt_read_ms,omitempty"`
	CreatedAt     int64  `json:"created_at"`
}

// TelemetryStats summarizes the telemetry observed for one relay.
type TelemetryStats struct {
	RelayURL     string `json:"relay_url"`
	Count        int64  `json:"count"`
	MonitorCount int64  `json:"monitor_count"`
	FirstSeen    int64  `json:"first_seen"`
	LastSeen     int64  `json:"last_seen"`
}

// OperatorResolution records who operates a relay and how that was
// established. Cached with a TTL, not persisted.
type OperatorResolution struct {
	RelayURL            string   `json:"relay_url"`
	OperatorPubkey      string   `json:"operator_pubkey,omitempty"`
	VerificationMethod  string   `json:"verification_method,omitempty"`
	VerifiedAt          int64    `json:"verified_at"`
	Confidence          int      `json:"confidence"`
	NIP11Pubkey         string   `json:"nip11_pubkey,omitempty"`
	DNSPubkey           string   `json:"dns_pubkey,omitempty"`
	WellKnownPubkey     string   `json:"wellknown_pubkey,omitempty"`
	CorroboratedSources []string `json:"corroborated_sources,omitempty"`
	SourcesDisagree     bool     `json:"sources_disagree,omitempty"`
	TrustScore          *int     `json:"trust_score,omitempty"`
}

// JurisdictionInfo describes where a relay's host resolves to.
// CountryCode is ISO-3166-1 alpha-2, or "XX" for anonymity networks.
type JurisdictionInfo struct {
	IP          string `json:"ip,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
	Region      string `json:"region,omitempty"`
	City        string `json:"city,omitempty"`
	ASN         int64  `json:"asn,omitempty"`
	ASOrg       string `json:"as_org,omitempty"`
	IsHosting   bool   `json:"is_hosting,omitempty"`
	IsTor       bool   `json:"is_tor,omitempty"`
}

// RelayAssertion is the externally visible scoring record for one relay.
// Quality and Accessibility are nil when those components could not be
// assessed; their tags are then omitted from the published event.
type RelayAssertion struct {
	RelayURL           string `json:"relay_url"`
	Status             string `json:"status"`
	Score              int    `json:"score"`
	Reliability        int    `json:"reliability"`
	Quality            *int   `json:"quality,omitempty"`
	Accessibility      *int   `json:"accessibility,omitempty"`
	Confidence         string `json:"confidence"`
	Observations       int    `json:"observations"`
	ObservationPeriod  string `json:"observation_period"`
	FirstSeen          int64  `json:"first_seen"`
	OperatorPubkey     string `json:"operator_pubkey,omitempty"`
	OperatorVerified   string `json:"operator_verified,omitempty"`
	OperatorConfidence int    `json:"operator_confidence,omitempty"`
	OperatorTrust      *int   `json:"operator_trust,omitempty"`
	Policy             string `json:"policy,omitempty"`
	PolicyConfidence   string `json:"policy_confidence,omitempty"`
	CountryCode        string `json:"country_code,omitempty"`
	Region             string `json:"region,omitempty"`
	IsHosting          *bool  `json:"is_hosting,omitempty"`
	Network            string `json:"network,omitempty"`
	Algorithm          string `json:"algorithm,omitempty"`
	AlgorithmURL       string `json:"algorithm_url,omitempty"`
}

// PublishedAssertionRecord is the per-relay snapshot of the most recently
// published assertion, used for material-change detection. At most one
// row per relay, upserted on successful publish.
type PublishedAssertionRecord struct {
	RelayURL      string `json:"relay_url"`
	EventID       string `json:"event_id"`
	Status        string `json:"status"`
	Score         int    `json:"score"`
	Reliability   int    `json:"reliability"`
	Quality       *int   `json:"quality,omitempty"`
	Accessibility *int   `json:"accessibility,omitempty"`
	Confidence    string `json:"confidence"`
	PublishedAt   int64  `json:"published_at"`
}

// RelaySummary is the list-view row for a known relay: the latest probe
// outcome joined with the last published snapshot, if any.
type RelaySummary struct {
	RelayURL      string `json:"relay_url"`
	LastCheckedAt int64  `json:"last_checked_at"`
	LastReachable bool   `json:"last_reachable"`
	Score         *int   `json:"score,omitempty"`
	Status        string `json:"status,omitempty"`
	PublishedAt   int64  `json:"published_at,omitempty"`
}
