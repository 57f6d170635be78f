package score

import (
	"math"
	"strings"

	"github.com/vigilrelay/vigil/internal/model"
	"github.com/vigilrelay/vigil/internal/nip11"
)

// Quality blends policy clarity, transport security, and operator
// accountability 60/25/15.
const (
	weightPolicyClarity = 0.60
	weightSecurity      = 0.25
	weightOperator      = 0.15
)

// QualityScores are the quality component and its parts.
type QualityScores struct {
	PolicyClarity int `json:"policy_clarity"`
	Security      int `json:"security"`
	Operator      int `json:"operator"`
	Composite     int `json:"composite"`
}

// QualityFor scores how well a relay documents and accounts for itself.
func QualityFor(relayURL string, info *nip11.Info, operator *model.OperatorResolution) QualityScores {
	q := QualityScores{
		PolicyClarity: PolicyClarityScore(info),
		Security:      SecurityScore(relayURL),
		Operator:      OperatorScore(operator),
	}
	q.Composite = clamp(int(math.Round(
		weightPolicyClarity*float64(q.PolicyClarity) +
			weightSecurity*float64(q.Security) +
			weightOperator*float64(q.Operator))))
	return q
}

// PolicyClarityScore rewards a relay for documenting itself. Additive
// credits first, then hard caps for the pieces accountability cannot do
// without: some identity, a contact route, documented limits.
func PolicyClarityScore(info *nip11.Info) int {
	if info == nil {
		return 50
	}
	score := 50

	hasName := strings.TrimSpace(info.Name) != ""
	hasDesc := strings.TrimSpace(info.Description) != ""
	switch {
	case hasName && hasDesc:
		score += 15
	case hasName || hasDesc:
		score += 8
	}

	hasContact := strings.TrimSpace(info.Contact) != ""
	if hasContact {
		score += 15
	}
	if info.Software != "" || info.Version != "" {
		score += 5
	}
	if info.Limitation != nil {
		score += 10 + info.Limitation.DocumentedLimitCount()
	}
	if info.PaymentRequired() {
		if info.Fees != nil {
			score += 5
		} else {
			score -= 10
		}
	}

	if !hasName && !hasDesc {
		score = min(score, 50)
	}
	if !hasContact {
		score = min(score, 70)
	}
	if info.Limitation == nil {
		score = min(score, 85)
	}
	return clamp(score)
}

// SecurityScore rates the transport: TLS scores full, plaintext scores
// zero, anything unrecognized is neutral.
func SecurityScore(relayURL string) int {
	switch {
	case strings.HasPrefix(relayURL, "wss://"):
		return 100
	case strings.HasPrefix(relayURL, "ws://"):
		return 0
	default:
		return 50
	}
}

// OperatorScore rates operator accountability from a cached resolution:
// the verification confidence, averaged with the operator's trust score
// when one is known.
func OperatorScore(res *model.OperatorResolution) int {
	if res == nil || res.OperatorPubkey == "" {
		return 50
	}
	v := res.Confidence
	if res.TrustScore != nil {
		return clamp(int(math.Round(float64(v+*res.TrustScore) / 2)))
	}
	return clamp(v)
}
