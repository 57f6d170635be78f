package service

import (
	"context"
	"log"

	"github.com/vigilrelay/vigil/internal/assertion"
	"github.com/vigilrelay/vigil/internal/model"
	"github.com/vigilrelay/vigil/internal/publish"
	"github.com/vigilrelay/vigil/internal/relay"
	"github.com/vigilrelay/vigil/internal/score"
)

// RelayDetail is the full scorecard view for one relay.
type RelayDetail struct {
	Score         *score.Result                   `json:"score"`
	Blocked       bool                            `json:"blocked"`
	LastPublished *model.PublishedAssertionRecord `json:"last_published,omitempty"`
}

// ListRelays returns one summary row per known relay.
func (s *ControlPlaneService) ListRelays(limit, offset int) ([]model.RelaySummary, int, error) {
	items, total, err := s.Store.ListRelays(limit, offset)
	if err != nil {
		return nil, 0, internal("list relays", err)
	}
	return items, total, nil
}

// GetRelay scores rawURL from stored observations and joins the last
// published assertion. A relay with no observations and no published
// history is NOT_FOUND.
func (s *ControlPlaneService) GetRelay(ctx context.Context, rawURL string) (*RelayDetail, error) {
	normalized, err := relay.Normalize(rawURL)
	if err != nil {
		return nil, invalidArg("relay url: " + err.Error())
	}
	res, err := s.Scorer.ScoreRelay(ctx, normalized)
	if err != nil {
		return nil, internal("score relay", err)
	}
	s.recordScore()
	last, err := s.Store.GetLastPublishedAssertion(normalized)
	if err != nil {
		return nil, internal("load published assertion", err)
	}
	if res.Observations == 0 && last == nil {
		return nil, notFound("relay has no recorded observations: " + normalized)
	}
	detail := &RelayDetail{Score: res, LastPublished: last}
	if s.Sources != nil {
		detail.Blocked = s.Sources.IsBlocked(normalized)
	}
	return detail, nil
}

// ProbeRelay runs one synchronous probe against rawURL and stores the
// result. Blocklisted relays are refused.
func (s *ControlPlaneService) ProbeRelay(ctx context.Context, rawURL string) (*model.ProbeResult, error) {
	normalized, err := relay.Normalize(rawURL)
	if err != nil {
		return nil, invalidArg("relay url: " + err.Error())
	}
	if s.Sources != nil && s.Sources.IsBlocked(normalized) {
		return nil, conflict("relay is blocklisted: " + normalized)
	}
	res, err := s.Prober.ProbeSync(ctx, normalized)
	if err != nil {
		return nil, internal("probe relay", err)
	}
	return res, nil
}

// PublishRelay scores rawURL, builds an assertion, and offers it to the
// material-change gate. force bypasses the gate. A blocklisted relay
// with published history gets a final assertion with status blocked;
// one without history is refused.
func (s *ControlPlaneService) PublishRelay(ctx context.Context, rawURL string, force bool) (*publish.Outcome, error) {
	if s.Publisher == nil {
		return nil, conflict("publishing is disabled: no secret key configured")
	}
	normalized, err := relay.Normalize(rawURL)
	if err != nil {
		return nil, invalidArg("relay url: " + err.Error())
	}
	a, serr := s.buildAssertion(ctx, normalized)
	if serr != nil {
		return nil, serr
	}
	var out *publish.Outcome
	if force {
		out, err = s.Publisher.ForcePublish(ctx, a)
	} else {
		out, err = s.Publisher.Publish(ctx, a)
	}
	if err != nil {
		return nil, internal("publish assertion", err)
	}
	s.recordPublishOutcome(out)
	return out, nil
}

// PublishAll runs one full publish cycle: every monitored relay is
// scored, built into an assertion, and offered to the gate. Scoring
// failures become failed outcomes instead of aborting the cycle.
func (s *ControlPlaneService) PublishAll(ctx context.Context, force bool) []*publish.Outcome {
	if s.Publisher == nil {
		log.Printf("[service] publish cycle skipped: publishing is disabled")
		return nil
	}
	urls := s.Sources.Monitored()
	outcomes := make([]*publish.Outcome, 0, len(urls))
	assertions := make([]*model.RelayAssertion, 0, len(urls))
	for _, url := range urls {
		if ctx.Err() != nil {
			break
		}
		a, serr := s.buildAssertion(ctx, url)
		if serr != nil {
			log.Printf("[service] publish cycle: skip %s: %v", url, serr)
			outcomes = append(outcomes, &publish.Outcome{RelayURL: url, Reason: serr.Error()})
			continue
		}
		assertions = append(assertions, a)
	}
	sent := s.Publisher.PublishBatch(ctx, assertions, force)
	for _, out := range sent {
		s.recordPublishOutcome(out)
	}
	outcomes = append(outcomes, sent...)
	log.Printf("[service] publish cycle: %d relays scored, %d assertions offered", len(urls), len(sent))
	return outcomes
}

func (s *ControlPlaneService) buildAssertion(ctx context.Context, normalized string) (*model.RelayAssertion, *ServiceError) {
	res, err := s.Scorer.ScoreRelay(ctx, normalized)
	if err != nil {
		return nil, internal("score relay", err)
	}
	s.recordScore()
	a := assertion.Build(res, assertion.DefaultMeta())
	if s.Sources != nil && s.Sources.IsBlocked(normalized) {
		last, err := s.Store.GetLastPublishedAssertion(normalized)
		if err != nil {
			return nil, internal("load published assertion", err)
		}
		if last == nil {
			return nil, conflict("relay is blocklisted and was never published: " + normalized)
		}
		tombstone(a)
	}
	return a, nil
}

// tombstone strips an assertion for a blocklisted relay down to its
// identity and observation metadata. Scores, policy, operator, and
// location claims are all dropped alongside the status change.
func tombstone(a *model.RelayAssertion) {
	a.Status = model.StatusBlocked
	a.Score = 0
	a.Reliability = 0
	a.Quality = nil
	a.Accessibility = nil
	a.Policy = ""
	a.PolicyConfidence = ""
	a.OperatorPubkey = ""
	a.OperatorVerified = ""
	a.OperatorConfidence = 0
	a.OperatorTrust = nil
	a.CountryCode = ""
	a.Region = ""
	a.IsHosting = nil
}
