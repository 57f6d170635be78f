package geoip

// Surveillance alliance categories, keyed off the hosting country.
const (
	AlliancePrivacyFriendly = "privacy_friendly"
	AllianceNonAligned      = "non_aligned"
	AllianceFourteenEyes    = "fourteen_eyes"
	AllianceNineEyes        = "nine_eyes"
	AllianceFiveEyes        = "five_eyes"
	AllianceUnknown         = "unknown"
)

// CountryCodeUnknown marks hosts on anonymity networks (tor, i2p) whose
// jurisdiction cannot be established.
const CountryCodeUnknown = "XX"

var fiveEyes = map[string]bool{
	"US": true, "GB": true, "CA": true, "AU": true, "NZ": true,
}

var nineEyes = map[string]bool{
	"DK": true, "FR": true, "NL": true, "NO": true,
}

var fourteenEyes = map[string]bool{
	"DE": true, "BE": true, "IT": true, "SE": true, "ES": true,
}

var privacyFriendly = map[string]bool{
	"IS": true, "CH": true, "RO": true, "MD": true, "BG": true,
	"PA": true, "CR": true, "SC": true, "VG": true,
}

// freedomScores holds Freedom on the Net total scores (0..100, higher is
// freer). Countries the survey does not cover but that host relays carry
// estimates derived from the broader Freedom in the World ratings.
var freedomScores = map[string]int{
	"AE": 28, "AM": 71, "AO": 51, "AR": 71, "AT": 85, "AU": 76,
	"AZ": 35, "BD": 40, "BE": 84, "BG": 73, "BH": 28, "BR": 62,
	"BY": 25, "CA": 86, "CH": 89, "CL": 80, "CN": 9, "CO": 64,
	"CR": 85, "CU": 20, "CZ": 79, "DE": 77, "DK": 91, "EC": 64,
	"EE": 93, "EG": 27, "ES": 80, "ET": 27, "FI": 90, "FR": 76,
	"GB": 79, "GE": 71, "GH": 65, "GR": 74, "HR": 75, "HU": 69,
	"ID": 47, "IE": 86, "IL": 74, "IN": 50, "IQ": 38, "IR": 12,
	"IS": 94, "IT": 75, "JO": 45, "JP": 78, "KE": 64, "KG": 52,
	"KH": 44, "KR": 66, "KZ": 33, "LB": 50, "LK": 52, "LT": 80,
	"LU": 87, "LV": 79, "LY": 43, "MA": 51, "MD": 67, "MM": 9,
	"MT": 80, "MX": 60, "MY": 61, "NG": 59, "NL": 88, "NO": 93,
	"NZ": 85, "PA": 70, "PH": 60, "PK": 27, "PL": 72, "PT": 83,
	"RO": 76, "RS": 71, "RU": 20, "RW": 37, "SA": 25, "SC": 60,
	"SD": 28, "SE": 91, "SG": 53, "SI": 78, "SK": 76, "TH": 38,
	"TN": 60, "TR": 31, "TW": 79, "UA": 59, "UG": 51, "US": 76,
	"UY": 82, "UZ": 29, "VE": 28, "VG": 70, "VN": 22, "ZA": 74,
	"ZM": 58, "ZW": 46,
}

// FreedomScore looks up the internet-freedom score for an ISO-3166-1
// alpha-2 country code. The second return is false for unknown countries.
func FreedomScore(countryCode string) (int, bool) {
	s, ok := freedomScores[countryCode]
	return s, ok
}

// AllianceCategory classifies a country by intelligence-sharing alliance
// membership. Anonymity networks count as privacy friendly; countries we
// know nothing about return AllianceUnknown.
func AllianceCategory(countryCode string) string {
	switch {
	case countryCode == CountryCodeUnknown:
		return AlliancePrivacyFriendly
	case privacyFriendly[countryCode]:
		return AlliancePrivacyFriendly
	case fiveEyes[countryCode]:
		return AllianceFiveEyes
	case nineEyes[countryCode]:
		return AllianceNineEyes
	case fourteenEyes[countryCode]:
		return AllianceFourteenEyes
	default:
		if _, known := freedomScores[countryCode]; known {
			return AllianceNonAligned
		}
		return AllianceUnknown
	}
}
