// Package assertion converts relay scorecards into the addressable
// kind-30385 events downstream clients consume, and parses them back.
package assertion

import (
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"github.com/vigilrelay/vigil/internal/model"
	"github.com/vigilrelay/vigil/internal/score"
)

// Kind is the addressable event kind carrying one relay assertion.
// The d tag is the normalized relay URL, so each relay holds exactly
// one live assertion per publishing monitor.
const Kind = 30385

// Meta names the scoring formula revision stamped on every assertion,
// so consumers can discount scores produced by formulas they distrust.
type Meta struct {
	Algorithm    string
	AlgorithmURL string
}

// DefaultMeta identifies the formula this build implements.
func DefaultMeta() Meta {
	return Meta{
		Algorithm:    "vigil-score-v1",
		AlgorithmURL: "https://github.com/vigilrelay/vigil/blob/main/docs/scoring.md",
	}
}

// Build flattens a scorecard into the published assertion form.
// Components the scorer could not assess stay nil and are later
// omitted from the event.
func Build(res *score.Result, meta Meta) *model.RelayAssertion {
	a := &model.RelayAssertion{
		RelayURL:          res.RelayURL,
		Status:            res.Status,
		Score:             res.Overall,
		Reliability:       res.Reliability.Composite,
		Confidence:        res.Confidence,
		Observations:      int(res.Observations),
		ObservationPeriod: res.ObservationPeriod,
		FirstSeen:         res.FirstSeen,
		Policy:            res.Policy,
		PolicyConfidence:  res.PolicyConfidence,
		Network:           res.Network,
		Algorithm:         meta.Algorithm,
		AlgorithmURL:      meta.AlgorithmURL,
	}
	if res.Quality != nil {
		q := res.Quality.Composite
		a.Quality = &q
	}
	if res.Accessibility != nil {
		acc := res.Accessibility.Composite
		a.Accessibility = &acc
	}
	if op := res.Operator; op != nil && op.OperatorPubkey != "" {
		a.OperatorPubkey = op.OperatorPubkey
		a.OperatorVerified = op.VerificationMethod
		a.OperatorConfidence = op.Confidence
		if op.TrustScore != nil {
			trust := *op.TrustScore
			a.OperatorTrust = &trust
		}
	}
	if jur := res.Jurisdiction; jur != nil {
		a.CountryCode = jur.CountryCode
		a.Region = jur.Region
		hosting := jur.IsHosting
		a.IsHosting = &hosting
	}
	return a
}

// ToEvent renders the assertion as an unsigned kind-30385 event.
// Tags keep a fixed order; optional tags are omitted, never emitted
// empty. Content stays empty, everything lives in the tags.
func ToEvent(a *model.RelayAssertion, now int64) *nostr.Event {
	tags := nostr.Tags{
		{"d", a.RelayURL},
		{"status", a.Status},
	}
	addStr := func(name, value string) {
		if value != "" {
			tags = append(tags, nostr.Tag{name, value})
		}
	}
	addInt := func(name string, value int) {
		tags = append(tags, nostr.Tag{name, strconv.Itoa(value)})
	}

	addStr("algorithm", a.Algorithm)
	addStr("algorithm_url", a.AlgorithmURL)
	addInt("score", a.Score)
	addInt("reliability", a.Reliability)
	if a.Quality != nil {
		addInt("quality", *a.Quality)
	}
	if a.Accessibility != nil {
		addInt("accessibility", *a.Accessibility)
	}
	addStr("confidence", a.Confidence)
	addInt("observations", a.Observations)
	addStr("observation_period", a.ObservationPeriod)
	if a.FirstSeen > 0 {
		tags = append(tags, nostr.Tag{"first_seen", strconv.FormatInt(a.FirstSeen, 10)})
	}
	if a.OperatorPubkey != "" {
		addStr("operator", a.OperatorPubkey)
		addStr("operator_verified", a.OperatorVerified)
		addInt("operator_confidence", a.OperatorConfidence)
		if a.OperatorTrust != nil {
			addInt("operator_trust", *a.OperatorTrust)
		}
	}
	addStr("policy", a.Policy)
	addStr("policy_confidence", a.PolicyConfidence)
	addStr("country_code", a.CountryCode)
	addStr("region", a.Region)
	if a.IsHosting != nil {
		tags = append(tags, nostr.Tag{"is_hosting", strconv.FormatBool(*a.IsHosting)})
	}
	addStr("network", a.Network)

	return &nostr.Event{
		Kind:      Kind,
		CreatedAt: nostr.Timestamp(now),
		Content:   "",
		Tags:      tags,
	}
}

// FromEvent parses a kind-30385 event back into an assertion. Unknown
// tags are skipped so events from newer monitors stay readable, and
// malformed numeric values degrade to their zero form rather than
// failing the whole event.
func FromEvent(ev *nostr.Event) (*model.RelayAssertion, error) {
	if ev.Kind != Kind {
		return nil, fmt.Errorf("assertion: kind %d is not %d", ev.Kind, Kind)
	}

	a := &model.RelayAssertion{}
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		value := tag[1]
		switch tag[0] {
		case "d":
			a.RelayURL = value
		case "status":
			a.Status = value
		case "algorithm":
			a.Algorithm = value
		case "algorithm_url":
			a.AlgorithmURL = value
		case "score":
			a.Score = parseInt(value)
		case "reliability":
			a.Reliability = parseInt(value)
		case "quality":
			a.Quality = parseIntPtr(value)
		case "accessibility":
			a.Accessibility = parseIntPtr(value)
		case "confidence":
			a.Confidence = value
		case "observations":
			a.Observations = parseInt(value)
		case "observation_period":
			a.ObservationPeriod = value
		case "first_seen":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				a.FirstSeen = n
			}
		case "operator":
			a.OperatorPubkey = value
		case "operator_verified":
			a.OperatorVerified = value
		case "operator_confidence":
			a.OperatorConfidence = parseInt(value)
		case "operator_trust":
			a.OperatorTrust = parseIntPtr(value)
		case "policy":
			a.Policy = value
		case "policy_confidence":
			a.PolicyConfidence = value
		case "country_code":
			a.CountryCode = value
		case "region":
			a.Region = value
		case "is_hosting":
			if b, err := strconv.ParseBool(value); err == nil {
				a.IsHosting = &b
			}
		case "network":
			a.Network = value
		}
	}

	if a.RelayURL == "" {
		return nil, fmt.Errorf("assertion: event %s has no d tag", ev.ID)
	}
	return a, nil
}

func parseInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func parseIntPtr(s string) *int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}
