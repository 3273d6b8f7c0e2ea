package correlation

import (
	"time"

	"github.com/vadiminshakov/subbridge/core/dto"
)

// DefaultTimeout applies to every message type without an explicit entry.
const DefaultTimeout = 10 * time.Second

// Timeouts is the per-type timeout table.
type Timeouts struct {
	Default time.Duration
	PerType map[string]time.Duration
}

// DefaultTimeouts gives remote, API-bound types a longer budget.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Default: DefaultTimeout,
		PerType: map[string]time.Duration{
			dto.TypeCheckSubtitle:     30 * time.Second,
			dto.TypeSubmitTranslation: 20 * time.Second,
			dto.TypeProcessVote:       15 * time.Second,
		},
	}
}

// For returns the timeout for msgType.
func (t Timeouts) For(msgType string) time.Duration {
	if d, ok := t.PerType[msgType]; ok && d > 0 {
		return d
	}
	if t.Default > 0 {
		return t.Default
	}
	return DefaultTimeout
}

// Merge returns a copy of t with overrides applied on top.
func (t Timeouts) Merge(overrides map[string]time.Duration) Timeouts {
	merged := Timeouts{Default: t.Default, PerType: make(map[string]time.Duration, len(t.PerType)+len(overrides))}
	for k, v := range t.PerType {
		merged.PerType[k] = v
	}
	for k, v := range overrides {
		if v <= 0 {
			continue
		}
		if k == "default" {
			merged.Default = v
			continue
		}
		merged.PerType[k] = v
	}
	return merged
}
