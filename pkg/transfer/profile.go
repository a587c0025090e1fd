package transfer

import (
	"time"

	"gopkg.in/ini.v1"
)

// SpeedProfile selects the pacing an engine uses between blocks and for
// its read timeouts. Values mirror the five named profiles the
// dispatcher's configuration exposes.
type SpeedProfile string

const (
	ProfileTurbo  SpeedProfile = "TURBO"
	ProfileFast   SpeedProfile = "FAST"
	ProfileNormal SpeedProfile = "NORMAL"
	ProfileSlow   SpeedProfile = "SLOW"
	ProfileLocal  SpeedProfile = "LOCAL"
)

// ProfileParams is the timing table one speed profile resolves to.
type ProfileParams struct {
	InterBlockDelay   time.Duration
	PostAckDelay      time.Duration
	TimeoutMultiplier float64
}

// defaultProfiles holds the built-in (inter_block_delay, post_ack_delay,
// timeout_multiplier) tuples. LoadProfiles may override these from an
// INI file; engines only ever see the resolved ProfileParams.
var defaultProfiles = map[SpeedProfile]ProfileParams{
	ProfileTurbo:  {20 * time.Millisecond, 10 * time.Millisecond, 0.5},
	ProfileFast:   {50 * time.Millisecond, 20 * time.Millisecond, 1.0},
	ProfileNormal: {150 * time.Millisecond, 50 * time.Millisecond, 1.5},
	ProfileSlow:   {300 * time.Millisecond, 100 * time.Millisecond, 2.0},
	ProfileLocal:  {500 * time.Millisecond, 200 * time.Millisecond, 3.0},
}

// Resolve returns the timing table for a profile, falling back to NORMAL
// for an unrecognised name rather than failing a transfer outright.
func Resolve(p SpeedProfile) ProfileParams {
	if params, ok := defaultProfiles[p]; ok {
		return params
	}
	return defaultProfiles[ProfileNormal]
}

// Scaled multiplies a base timeout by the profile's timeout_multiplier.
func (p ProfileParams) Scaled(base time.Duration) time.Duration {
	return time.Duration(float64(base) * p.TimeoutMultiplier)
}

// DefaultProfiles returns the compiled-in timing table, independent of any
// INI override.
func DefaultProfiles() map[SpeedProfile]ProfileParams {
	out := make(map[SpeedProfile]ProfileParams, len(defaultProfiles))
	for k, v := range defaultProfiles {
		out[k] = v
	}
	return out
}

// LoadProfiles reads an INI file with one section per speed profile
// (TURBO, FAST, NORMAL, SLOW, LOCAL), each optionally overriding
// inter_block_delay_ms, post_ack_delay_ms and timeout_multiplier. A
// section or key absent from the file falls back to the compiled-in
// default. An empty path skips loading and returns the defaults; a
// non-empty path that cannot be loaded returns the load error.
func LoadProfiles(path string) (map[SpeedProfile]ProfileParams, error) {
	out := DefaultProfiles()
	if path == "" {
		return out, nil
	}

	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	for name, base := range out {
		section, err := cfg.GetSection(string(name))
		if err != nil {
			continue // profile not present in file, keep default
		}
		params := base
		if key, err := section.GetKey("inter_block_delay_ms"); err == nil {
			if ms, err := key.Int64(); err == nil {
				params.InterBlockDelay = time.Duration(ms) * time.Millisecond
			}
		}
		if key, err := section.GetKey("post_ack_delay_ms"); err == nil {
			if ms, err := key.Int64(); err == nil {
				params.PostAckDelay = time.Duration(ms) * time.Millisecond
			}
		}
		if key, err := section.GetKey("timeout_multiplier"); err == nil {
			if mult, err := key.Float64(); err == nil {
				params.TimeoutMultiplier = mult
			}
		}
		out[name] = params
	}
	return out, nil
}
