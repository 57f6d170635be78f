package score

import (
	"math"
	"sort"

	"github.com/vigilrelay/vigil/internal/geoip"
	"github.com/vigilrelay/vigil/internal/model"
	"github.com/vigilrelay/vigil/internal/nip11"
)

// Accessibility blends barriers, limit restrictiveness, jurisdiction,
// and surveillance exposure 40/20/20/20.
const (
	weightBarriers     = 0.40
	weightLimits       = 0.20
	weightJurisdiction = 0.20
	weightSurveillance = 0.20
)

// AccessibilityScores are the accessibility component and its parts.
type AccessibilityScores struct {
	Barriers     int `json:"barriers"`
	Limits       int `json:"limits"`
	Jurisdiction int `json:"jurisdiction"`
	Surveillance int `json:"surveillance"`
	Composite    int `json:"composite"`
}

// AccessibilityFor scores how hard a relay is to use and where it sits.
func AccessibilityFor(info *nip11.Info, jur *model.JurisdictionInfo) AccessibilityScores {
	countryCode := ""
	if jur != nil {
		countryCode = jur.CountryCode
	}
	a := AccessibilityScores{
		Barriers:     BarrierScore(info),
		Limits:       LimitScore(info),
		Jurisdiction: JurisdictionScore(countryCode),
		Surveillance: SurveillanceScore(countryCode),
	}
	a.Composite = clamp(int(math.Round(
		weightBarriers*float64(a.Barriers) +
			weightLimits*float64(a.Limits) +
			weightJurisdiction*float64(a.Jurisdiction) +
			weightSurveillance*float64(a.Surveillance))))
	return a
}

// BarrierScore penalizes entry requirements with diminishing returns:
// penalties sort descending and the ith is scaled by barrierMultiplier.
// Restricted writes are specialization, not a barrier. A relay with a
// document but no limitation object advertises no barriers.
func BarrierScore(info *nip11.Info) int {
	if info == nil {
		return 70
	}
	if info.Limitation == nil {
		return 100
	}

	var penalties []float64
	if info.AuthRequired() {
		penalties = append(penalties, 30)
	}
	if info.PaymentRequired() {
		penalties = append(penalties, 40)
	}
	if d := info.Limitation.MinPowDifficulty; d != nil && *d > 0 {
		penalties = append(penalties, math.Min(15, float64(*d)))
	}
	if len(penalties) == 0 {
		return 100
	}

	sort.Sort(sort.Reverse(sort.Float64Slice(penalties)))
	score := 100.0
	for i, p := range penalties {
		score -= p * barrierMultiplier(i)
	}
	return clamp(int(math.Round(score)))
}

func barrierMultiplier(i int) float64 {
	switch i {
	case 0:
		return 1.0
	case 1:
		return 0.5
	case 2:
		return 0.3
	default:
		return 0.2
	}
}

// LimitScore deducts for abnormally tight documented limits. A relay
// that documents no limits at all is unknown, not unrestricted.
func LimitScore(info *nip11.Info) int {
	if info == nil || info.Limitation == nil {
		return 80
	}
	lim := info.Limitation
	score := 100

	if v := lim.MaxSubscriptions; v != nil {
		switch {
		case *v < 5:
			score -= 15
		case *v < 10:
			score -= 5
		}
	}
	if v := lim.MaxContentLength; v != nil {
		switch {
		case *v < 1000:
			score -= 15
		case *v < 5000:
			score -= 5
		}
	}
	if v := lim.MaxMessageLength; v != nil {
		switch {
		case *v < 10000:
			score -= 10
		case *v < 32000:
			score -= 3
		}
	}
	if v := lim.MaxFilters; v != nil {
		switch {
		case *v < 5:
			score -= 10
		case *v < 10:
			score -= 3
		}
	}
	if v := lim.MaxEventTags; v != nil && *v < 50 {
		score -= 5
	}
	return clamp(score)
}

// JurisdictionScore converts the hosting country's internet-freedom
// score into a penalty: free countries none, partly-free up to 10,
// not-free 10 to 20. Unknown countries, anonymity networks included,
// land on 75.
func JurisdictionScore(countryCode string) int {
	s, ok := geoip.FreedomScore(countryCode)
	if !ok {
		return 75
	}
	var penalty float64
	switch {
	case s >= 70:
		penalty = 0
	case s >= 40:
		penalty = 10 * float64(70-s) / 30
	default:
		penalty = 10 + 10*float64(40-s)/40
	}
	return clamp(int(math.Round(100 - penalty)))
}

// SurveillanceScore rates intelligence-alliance exposure of the hosting
// country.
func SurveillanceScore(countryCode string) int {
	switch geoip.AllianceCategory(countryCode) {
	case geoip.AlliancePrivacyFriendly:
		return 100
	case geoip.AllianceNonAligned:
		return 90
	case geoip.AllianceFourteenEyes:
		return 80
	case geoip.AllianceNineEyes:
		return 75
	case geoip.AllianceFiveEyes:
		return 70
	default:
		return 85
	}
}
