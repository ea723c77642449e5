// Package violation detects client-side policy violations during a proctored
// exam and keeps the monotonic violation counter for one attempt.
package violation

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-guard/internal/model"
)

const (
	DefaultFocusDebounce     = 500 * time.Millisecond
	DefaultSecureCooldown    = 3 * time.Second
	DefaultViewportThreshold = 200
)

// Options tunes the detection rules.
type Options struct {
	FocusDebounce     time.Duration
	SecureCooldown    time.Duration
	ViewportThreshold int
	// Triggers overrides the rule set; nil means DefaultTriggers.
	Triggers []Trigger
}

func (o Options) withDefaults() Options {
	if o.FocusDebounce <= 0 {
		o.FocusDebounce = DefaultFocusDebounce
	}
	if o.SecureCooldown <= 0 {
		o.SecureCooldown = DefaultSecureCooldown
	}
	if o.ViewportThreshold <= 0 {
		o.ViewportThreshold = DefaultViewportThreshold
	}
	return o
}

// Monitor converts signals into a monotonically increasing violation count.
// It is not safe for concurrent use; the owning session serializes access.
type Monitor struct {
	log      zerolog.Logger
	triggers []Trigger
	cooldown time.Duration

	maxBeforeAutoSubmit int
	onViolation         func(v model.Violation, count int)
	onMaxViolations     func()

	count         int
	violations    []model.Violation
	insecureUntil time.Time
	maxFired      bool
}

// New creates a Monitor. Call Configure before feeding signals.
func New(log zerolog.Logger, opts Options) *Monitor {
	opts = opts.withDefaults()
	triggers := opts.Triggers
	if triggers == nil {
		triggers = DefaultTriggers(opts)
	}
	return &Monitor{
		log:      log.With().Str("component", "violation_monitor").Logger(),
		triggers: triggers,
		cooldown: opts.SecureCooldown,
	}
}

// Configure sets the auto-submit threshold and the callbacks. onMaxViolations
// fires once when the count reaches maxBeforeAutoSubmit+1.
func (m *Monitor) Configure(maxBeforeAutoSubmit int, onViolation func(v model.Violation, count int), onMaxViolations func()) {
	m.maxBeforeAutoSubmit = maxBeforeAutoSubmit
	m.onViolation = onViolation
	m.onMaxViolations = onMaxViolations
}

// Observe feeds one environment signal through every trigger.
func (m *Monitor) Observe(sig Signal) Verdict {
	if sig.At.IsZero() {
		sig.At = time.Now()
	}

	// Confirm anything that matured before this signal so ordering is preserved.
	verdict := Verdict{Violations: m.Tick(sig.At)}

	for _, t := range m.triggers {
		out := m.inspect(t, sig)
		if out.Suppress {
			verdict.Suppress = true
		}
		if out.Detection != nil {
			verdict.Violations = append(verdict.Violations, m.record(*out.Detection, sig.At))
		}
	}
	return verdict
}

// Tick confirms deferred detections that are due at now.
func (m *Monitor) Tick(now time.Time) []model.Violation {
	var out []model.Violation
	for _, t := range m.triggers {
		d, ok := t.(Deferred)
		if !ok {
			continue
		}
		for _, det := range m.due(t.Name(), d, now) {
			out = append(out, m.record(det, now))
		}
	}
	return out
}

// Report records a violation the client detected on its own.
func (m *Monitor) Report(kind model.ViolationKind, message string, at time.Time) (model.Violation, error) {
	if !kind.Valid() {
		return model.Violation{}, fmt.Errorf("unknown violation kind %q", kind)
	}
	if at.IsZero() {
		at = time.Now()
	}
	if message == "" {
		message = "Reported by client: " + string(kind)
	}
	return m.record(Detection{Kind: kind, Message: message}, at), nil
}

// State returns the counter view at now.
func (m *Monitor) State(now time.Time) model.ViolationState {
	return model.ViolationState{
		Count:               m.count,
		MaxBeforeAutoSubmit: m.maxBeforeAutoSubmit,
		IsSecure:            !now.Before(m.insecureUntil),
	}
}

// Count returns the number of violations recorded since the last reset.
func (m *Monitor) Count() int { return m.count }

// Violations returns the violation log in creation order.
func (m *Monitor) Violations() []model.Violation {
	out := make([]model.Violation, len(m.violations))
	copy(out, m.violations)
	return out
}

// Reset zeroes the counter and re-arms the threshold. Operator action only;
// the violation log itself is kept.
func (m *Monitor) Reset() {
	m.count = 0
	m.maxFired = false
	m.insecureUntil = time.Time{}
}

func (m *Monitor) record(d Detection, at time.Time) model.Violation {
	v := model.Violation{Kind: d.Kind, Timestamp: at, Message: d.Message}
	m.count++
	m.violations = append(m.violations, v)
	m.insecureUntil = at.Add(m.cooldown)

	m.log.Info().
		Str("kind", string(v.Kind)).
		Int("count", m.count).
		Msg("Violation recorded")

	if m.onViolation != nil {
		m.onViolation(v, m.count)
	}
	if !m.maxFired && m.count >= m.maxBeforeAutoSubmit+1 {
		m.maxFired = true
		if m.onMaxViolations != nil {
			m.onMaxViolations()
		}
	}
	return v
}

// inspect runs one trigger; a failing trigger fails open.
func (m *Monitor) inspect(t Trigger, sig Signal) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn().Str("trigger", t.Name()).Interface("panic", r).Msg("Trigger failed, ignoring signal")
			out = Outcome{}
		}
	}()
	return t.Inspect(sig)
}

func (m *Monitor) due(name string, d Deferred, now time.Time) (out []Detection) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn().Str("trigger", name).Interface("panic", r).Msg("Deferred trigger failed")
			out = nil
		}
	}()
	return d.Due(now)
}
