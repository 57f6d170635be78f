package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that serializes as a Go duration string
// ("10m", "24h"), keeping the config API and the persisted runtime
// config row human-readable. It implements encoding.TextMarshaler, so
// JSON values that are not strings are rejected by the decoder.
type Duration time.Duration

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Std().String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(parsed)
	return nil
}
