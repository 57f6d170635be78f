// Package publish signs relay assertions and sends them to the
// configured downstream relays. A material-change gate keeps the
// monitor from republishing assertions nobody would act on: an event
// goes out only when status, confidence, or a score moved enough
// since the last accepted publication.
package publish

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/vigilrelay/vigil/internal/assertion"
	"github.com/vigilrelay/vigil/internal/model"
	"github.com/vigilrelay/vigil/internal/pool"
)

// DefaultThreshold is the score delta that counts as material.
const DefaultThreshold = 3

// DefaultOKTimeout bounds the wait for each destination's OK frame.
const DefaultOKTimeout = 10 * time.Second

// Store is the slice of the persistence layer the publisher uses for
// material-change detection.
type Store interface {
	GetLastPublishedAssertion(relayURL string) (*model.PublishedAssertionRecord, error)
	StorePublishedAssertion(rec model.PublishedAssertionRecord) error
}

// Sender is the slice of the connection pool the publisher sends
// through.
type Sender interface {
	Publish(ctx context.Context, ev *nostr.Event, urls []string, okTimeout time.Duration) []pool.PublishResult
}

// Config wires a Publisher. SecretKey is required and accepted as raw
// hex or bech32 nsec; a bad key fails construction, not each publish.
type Config struct {
	SecretKey string

	Store  Store
	Sender Sender

	// Relays returns the downstream destinations. Called per publish
	// so config changes apply without a restart.
	Relays func() []string

	// Threshold returns the material-change threshold. Defaults to 3.
	Threshold func() int

	// OKTimeout returns the per-destination acknowledgement wait.
	OKTimeout func() time.Duration

	// Now is the clock, defaulting to time.Now.
	Now func() time.Time
}

// Publisher sends assertions downstream. Safe for concurrent use; a
// batch is serial internally but independent of other batches.
type Publisher struct {
	secretKey string
	pubkey    string
	store     Store
	sender    Sender
	relays    func() []string
	threshold func() int
	okTimeout func() time.Duration
	now       func() time.Time
}

// New validates the key and builds a Publisher.
func New(cfg Config) (*Publisher, error) {
	sk, err := normalizeSecretKey(cfg.SecretKey)
	if err != nil {
		return nil, err
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("publish: derive pubkey: %w", err)
	}

	relays := cfg.Relays
	if relays == nil {
		relays = func() []string { return nil }
	}
	threshold := cfg.Threshold
	if threshold == nil {
		threshold = func() int { return DefaultThreshold }
	}
	okTimeout := cfg.OKTimeout
	if okTimeout == nil {
		okTimeout = func() time.Duration { return DefaultOKTimeout }
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Publisher{
		secretKey: sk,
		pubkey:    pk,
		store:     cfg.Store,
		sender:    cfg.Sender,
		relays:    relays,
		threshold: threshold,
		okTimeout: okTimeout,
		now:       now,
	}, nil
}

// PublicKey returns the monitor identity assertions are signed with.
func (p *Publisher) PublicKey() string {
	return p.pubkey
}

// DestinationResult is the acknowledgement outcome for one downstream
// relay.
type DestinationResult struct {
	RelayURL string `json:"relay_url"`
	OK       bool   `json:"ok"`
	Reason   string `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Outcome reports one publish attempt for one assertion.
type Outcome struct {
	RelayURL string              `json:"relay_url"`
	EventID  string              `json:"event_id,omitempty"`
	Success  bool                `json:"success"`
	Skipped  bool                `json:"skipped,omitempty"`
	Reason   string              `json:"reason,omitempty"`
	Results  []DestinationResult `json:"results,omitempty"`
}

// Publish signs and sends the assertion unless nothing material
// changed since the last accepted publication.
func (p *Publisher) Publish(ctx context.Context, a *model.RelayAssertion) (*Outcome, error) {
	prev, err := p.store.GetLastPublishedAssertion(a.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("publish: load last published for %s: %w", a.RelayURL, err)
	}
	if !HasMaterialChange(prev, a, p.threshold()) {
		log.Printf("[publish] %s: no material change, skipping", a.RelayURL)
		return &Outcome{RelayURL: a.RelayURL, Skipped: true, Reason: "no_material_change"}, nil
	}
	return p.send(ctx, a)
}

// ForcePublish bypasses the material-change gate.
func (p *Publisher) ForcePublish(ctx context.Context, a *model.RelayAssertion) (*Outcome, error) {
	return p.send(ctx, a)
}

// PublishBatch applies Publish (or ForcePublish) to each assertion in
// order. Sequencing is deliberate, it caps the outbound event rate.
// Per-assertion errors become failed outcomes rather than aborting the
// rest; a dead context stops the batch with the outcomes so far.
func (p *Publisher) PublishBatch(ctx context.Context, assertions []*model.RelayAssertion, force bool) []*Outcome {
	outcomes := make([]*Outcome, 0, len(assertions))
	for _, a := range assertions {
		if ctx.Err() != nil {
			break
		}
		var (
			out *Outcome
			err error
		)
		if force {
			out, err = p.ForcePublish(ctx, a)
		} else {
			out, err = p.Publish(ctx, a)
		}
		if err != nil {
			log.Printf("[publish] batch %s: %v", a.RelayURL, err)
			out = &Outcome{RelayURL: a.RelayURL, Reason: err.Error()}
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func (p *Publisher) send(ctx context.Context, a *model.RelayAssertion) (*Outcome, error) {
	destinations := p.relays()
	if len(destinations) == 0 {
		return nil, errors.New("publish: no destination relays configured")
	}

	ev := assertion.ToEvent(a, p.now().Unix())
	if err := ev.Sign(p.secretKey); err != nil {
		return nil, fmt.Errorf("publish: sign assertion for %s: %w", a.RelayURL, err)
	}

	results := p.sender.Publish(ctx, ev, destinations, p.okTimeout())
	out := &Outcome{
		RelayURL: a.RelayURL,
		EventID:  ev.ID,
		Results:  make([]DestinationResult, 0, len(results)),
	}
	accepted := 0
	for _, r := range results {
		dr := DestinationResult{RelayURL: r.RelayURL, OK: r.OK, Reason: r.Reason}
		if r.Err != nil {
			dr.Error = r.Err.Error()
		}
		if r.OK {
			accepted++
		}
		out.Results = append(out.Results, dr)
	}
	out.Success = accepted > 0
	log.Printf("[publish] %s: %d/%d destinations accepted event %s",
		a.RelayURL, accepted, len(results), ev.ID)

	// The record is written only after at least one acceptance, so a
	// fully failed publish is retried next cycle instead of being
	// swallowed by the material-change gate.
	if out.Success {
		if err := p.store.StorePublishedAssertion(recordFrom(a, ev.ID, p.now().Unix())); err != nil {
			return out, fmt.Errorf("publish: record %s: %w", a.RelayURL, err)
		}
	}
	return out, nil
}

// HasMaterialChange reports whether the assertion differs enough from
// the previously published record to justify a new event: first ever
// publication, a status or confidence flip, the overall score moving
// by at least threshold, any component moving by at least threshold,
// or a previously unassessed component gaining a score.
func HasMaterialChange(prev *model.PublishedAssertionRecord, a *model.RelayAssertion, threshold int) bool {
	if prev == nil {
		return true
	}
	if prev.Confidence != a.Confidence || prev.Status != a.Status {
		return true
	}
	if abs(a.Score-prev.Score) >= threshold {
		return true
	}
	if abs(a.Reliability-prev.Reliability) >= threshold {
		return true
	}
	return componentChanged(prev.Quality, a.Quality, threshold) ||
		componentChanged(prev.Accessibility, a.Accessibility, threshold)
}

func componentChanged(prev, curr *int, threshold int) bool {
	switch {
	case prev == nil && curr != nil:
		return true
	case prev != nil && curr != nil:
		return abs(*curr-*prev) >= threshold
	default:
		return false
	}
}

func recordFrom(a *model.RelayAssertion, eventID string, now int64) model.PublishedAssertionRecord {
	rec := model.PublishedAssertionRecord{
		RelayURL:    a.RelayURL,
		EventID:     eventID,
		Status:      a.Status,
		Score:       a.Score,
		Reliability: a.Reliability,
		Confidence:  a.Confidence,
		PublishedAt: now,
	}
	if a.Quality != nil {
		q := *a.Quality
		rec.Quality = &q
	}
	if a.Accessibility != nil {
		acc := *a.Accessibility
		rec.Accessibility = &acc
	}
	return rec
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// normalizeSecretKey accepts a 64-char hex key or a bech32 nsec and
// returns lowercase hex.
func normalizeSecretKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("publish: secret key not set")
	}
	if strings.HasPrefix(s, "nsec1") {
		prefix, value, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("publish: decode nsec: %w", err)
		}
		if prefix != "nsec" {
			return "", fmt.Errorf("publish: key decodes as %q, want nsec", prefix)
		}
		hexKey, ok := value.(string)
		if !ok {
			return "", errors.New("publish: unexpected nsec payload type")
		}
		return strings.ToLower(hexKey), nil
	}
	s = strings.ToLower(s)
	if len(s) != 64 {
		return "", fmt.Errorf("publish: secret key must be 64 hex chars, got %d", len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("publish: secret key is not hex: %w", err)
	}
	return s, nil
}
