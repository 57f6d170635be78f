package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

// weakTokenScoreThreshold is the minimum zxcvbn score (0..4) the admin
// token must reach; anything below gets a startup warning.
const weakTokenScoreThreshold = 3

// IsWeakToken reports whether the admin token is guessable enough to
// warn about. An empty token disables auth entirely, which is flagged
// separately, so it is not weak here.
func IsWeakToken(token string) bool {
	if token == "" {
		return false
	}
	return zxcvbn.PasswordStrength(token, nil).Score < weakTokenScoreThreshold
}
