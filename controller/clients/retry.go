package clients

import (
	"context"
	"time"

	"github.com/avast/retry-go"
)

// Preset bundles the retry policy for one class of provider call.
type Preset struct {
	Attempts  uint
	Delay     time.Duration
	MaxDelay  time.Duration
	MaxJitter time.Duration
	Fixed     bool
}

var (
	// PresetDefault covers reads: 3 attempts, jittered exponential
	// backoff from ~1s doubling up to 30s.
	PresetDefault = Preset{Attempts: 3, Delay: time.Second, MaxDelay: 30 * time.Second, MaxJitter: 500 * time.Millisecond}

	// PresetCritical covers scheduler applies: 5 attempts, 2s doubling
	// capped at 30s.
	PresetCritical = Preset{Attempts: 5, Delay: 2 * time.Second, MaxDelay: 30 * time.Second, MaxJitter: 500 * time.Millisecond}

	// PresetClear covers the clear-active protocol: 3 attempts at a
	// fixed 1.2s spacing.
	PresetClear = Preset{Attempts: 3, Delay: 1200 * time.Millisecond, Fixed: true}

	// PresetVerify covers the post-apply verification read.
	PresetVerify = Preset{Attempts: 3, Delay: time.Second, MaxDelay: 5 * time.Second}
)

func (p Preset) options(ctx context.Context) []retry.Option {
	opts := []retry.Option{
		retry.Attempts(p.Attempts),
		retry.Delay(p.Delay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(retryable),
	}
	if p.Fixed {
		opts = append(opts, retry.DelayType(retry.FixedDelay))
	} else {
		opts = append(opts, retry.DelayType(retry.BackOffDelay))
		if p.MaxDelay > 0 {
			opts = append(opts, retry.MaxDelay(p.MaxDelay))
		}
		if p.MaxJitter > 0 {
			opts = append(opts, retry.MaxJitter(p.MaxJitter))
		}
	}
	return opts
}
