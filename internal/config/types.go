// internal/config/types.go
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Mode selects the policy profile for a pipeline run.
//
// Production is strict: confirmed resource breaches and exceeded error
// budgets abort the run. Dev is lenient: breaches throttle the worker
// budget and a fan-out phase may still be marked successful on an
// absolute success floor.
type Mode string

const (
	ModeProduction Mode = "production"
	ModeDev        Mode = "dev"
)

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	switch Mode(text) {
	case ModeProduction, ModeDev:
		*m = Mode(text)
		return nil
	case "":
		*m = ModeProduction
		return nil
	default:
		return fmt.Errorf("unknown mode %q (want %q or %q)", text, ModeProduction, ModeDev)
	}
}

// Strict reports whether the mode enforces abort-on-breach semantics.
func (m Mode) Strict() bool {
	return m != ModeDev
}
