package violation

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-guard/internal/model"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestMonitor(max int) (*Monitor, *[]int, *int) {
	m := New(zerolog.Nop(), Options{})
	var counts []int
	fired := 0
	m.Configure(max, func(_ model.Violation, count int) {
		counts = append(counts, count)
	}, func() {
		fired++
	})
	return m, &counts, &fired
}

func TestMonitor_RemainingChancesHoldsAfterEveryEvent(t *testing.T) {
	m, _, _ := newTestMonitor(3)
	signals := []Signal{
		{Type: SignalCopy},
		{Type: SignalVisibilityHidden},
		{Type: SignalKeyDown, Key: "F12"},
		{Type: SignalContextMenu},
		{Type: SignalKeyDown, Key: "a"},
		{Type: SignalPaste},
		{Type: SignalCut},
		{Type: SignalVisibilityHidden},
	}

	prev := 0
	for i, sig := range signals {
		sig.At = t0.Add(time.Duration(i) * time.Second)
		m.Observe(sig)

		st := m.State(sig.At)
		assert.GreaterOrEqual(t, st.Count, prev, "count must not decrease")
		want := 3 + 1 - st.Count
		if want < 0 {
			want = 0
		}
		assert.Equal(t, want, st.RemainingChances())
		prev = st.Count
	}
	assert.Equal(t, 6, m.Count())
}

func TestMonitor_MaxViolationsFiresOnce(t *testing.T) {
	m, counts, fired := newTestMonitor(3)

	for i := 0; i < 4; i++ {
		v := m.Observe(Signal{Type: SignalCopy, At: t0.Add(time.Duration(i) * time.Second)})
		assert.True(t, v.Suppress)
		require.Len(t, v.Violations, 1)
		assert.Equal(t, model.ViolationCopyPaste, v.Violations[0].Kind)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, *counts)
	assert.Equal(t, 1, *fired)

	st := m.State(t0.Add(time.Minute))
	assert.Equal(t, 0, st.RemainingChances())
	assert.True(t, st.LimitReached())

	for i := 0; i < 3; i++ {
		m.Observe(Signal{Type: SignalPaste, At: t0.Add(2 * time.Minute)})
	}
	assert.Equal(t, 1, *fired)
	assert.Equal(t, 7, m.Count())
}

func TestMonitor_ResetRearmsThreshold(t *testing.T) {
	m, _, fired := newTestMonitor(0)

	m.Observe(Signal{Type: SignalVisibilityHidden, At: t0})
	assert.Equal(t, 1, *fired)

	m.Reset()
	assert.Equal(t, 0, m.Count())
	assert.Len(t, m.Violations(), 1, "the log survives a reset")

	m.Observe(Signal{Type: SignalVisibilityHidden, At: t0.Add(time.Second)})
	assert.Equal(t, 2, *fired)
}

func TestMonitor_SecureCooldown(t *testing.T) {
	m, _, _ := newTestMonitor(5)
	assert.True(t, m.State(t0).IsSecure)

	m.Observe(Signal{Type: SignalCopy, At: t0})
	assert.False(t, m.State(t0).IsSecure)
	assert.False(t, m.State(t0.Add(2999*time.Millisecond)).IsSecure)
	assert.True(t, m.State(t0.Add(3*time.Second)).IsSecure)
}

func TestMonitor_FocusLossDebounce(t *testing.T) {
	t.Run("refocus within debounce is ignored", func(t *testing.T) {
		m, _, _ := newTestMonitor(3)
		m.Observe(Signal{Type: SignalBlur, At: t0})
		m.Observe(Signal{Type: SignalFocus, At: t0.Add(100 * time.Millisecond)})
		assert.Empty(t, m.Tick(t0.Add(time.Second)))
		assert.Equal(t, 0, m.Count())
	})

	t.Run("sustained loss is confirmed on tick", func(t *testing.T) {
		m, _, _ := newTestMonitor(3)
		m.Observe(Signal{Type: SignalBlur, At: t0})
		assert.Empty(t, m.Tick(t0.Add(400*time.Millisecond)))

		got := m.Tick(t0.Add(500 * time.Millisecond))
		require.Len(t, got, 1)
		assert.Equal(t, model.ViolationMinimize, got[0].Kind)
		assert.Empty(t, m.Tick(t0.Add(2*time.Second)), "confirmed once")
	})

	t.Run("late refocus still confirms the loss", func(t *testing.T) {
		m, _, _ := newTestMonitor(3)
		m.Observe(Signal{Type: SignalBlur, At: t0})
		v := m.Observe(Signal{Type: SignalFocus, At: t0.Add(800 * time.Millisecond)})
		require.Len(t, v.Violations, 1)
		assert.Equal(t, model.ViolationMinimize, v.Violations[0].Kind)
	})

	t.Run("hidden page counts as tab switch only", func(t *testing.T) {
		m, _, _ := newTestMonitor(3)
		m.Observe(Signal{Type: SignalBlur, At: t0})
		v := m.Observe(Signal{Type: SignalVisibilityHidden, At: t0.Add(10 * time.Millisecond)})
		require.Len(t, v.Violations, 1)
		assert.Equal(t, model.ViolationTabSwitch, v.Violations[0].Kind)
		assert.Empty(t, m.Tick(t0.Add(5*time.Second)))
		assert.Equal(t, 1, m.Count())
	})
}

func TestMonitor_DevToolsShortcuts(t *testing.T) {
	cases := []struct {
		name string
		sig  Signal
		hit  bool
	}{
		{"f12", Signal{Key: "F12"}, true},
		{"ctrl shift i", Signal{Key: "i", Ctrl: true, Shift: true}, true},
		{"ctrl shift j", Signal{Key: "J", Ctrl: true, Shift: true}, true},
		{"cmd opt c", Signal{Key: "c", Meta: true, Alt: true}, true},
		{"ctrl u", Signal{Key: "u", Ctrl: true}, true},
		{"cmd opt u", Signal{Key: "U", Meta: true, Alt: true}, true},
		{"ctrl shift u", Signal{Key: "u", Ctrl: true, Shift: true}, false},
		{"ctrl c", Signal{Key: "c", Ctrl: true}, false},
		{"plain i", Signal{Key: "i"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, _, _ := newTestMonitor(3)
			tc.sig.Type = SignalKeyDown
			tc.sig.At = t0
			v := m.Observe(tc.sig)
			assert.Equal(t, tc.hit, v.Suppress)
			if tc.hit {
				require.Len(t, v.Violations, 1)
				assert.Equal(t, model.ViolationDevTools, v.Violations[0].Kind)
			} else {
				assert.Empty(t, v.Violations)
			}
		})
	}
}

func TestMonitor_ViewportFiresOnTransition(t *testing.T) {
	m, _, _ := newTestMonitor(5)

	v := m.Observe(Signal{Type: SignalResize, OuterWidth: 1400, InnerWidth: 1380, At: t0})
	assert.Empty(t, v.Violations)

	v = m.Observe(Signal{Type: SignalResize, OuterWidth: 1400, InnerWidth: 1100, At: t0.Add(time.Second)})
	require.Len(t, v.Violations, 1)
	assert.Equal(t, model.ViolationDevTools, v.Violations[0].Kind)

	v = m.Observe(Signal{Type: SignalResize, OuterWidth: 1400, InnerWidth: 1050, At: t0.Add(2 * time.Second)})
	assert.Empty(t, v.Violations, "panel still open")

	m.Observe(Signal{Type: SignalResize, OuterWidth: 1400, InnerWidth: 1400, At: t0.Add(3 * time.Second)})
	v = m.Observe(Signal{Type: SignalResize, OuterWidth: 1400, InnerWidth: 1000, At: t0.Add(4 * time.Second)})
	assert.Len(t, v.Violations, 1, "reopened")

	v = m.Observe(Signal{Type: SignalResize, At: t0.Add(5 * time.Second)})
	assert.Empty(t, v.Violations, "missing dimensions never fire")
	assert.Equal(t, 2, m.Count())
}

func TestMonitor_ContextMenuIsPreventionOnly(t *testing.T) {
	m, _, _ := newTestMonitor(3)
	v := m.Observe(Signal{Type: SignalContextMenu, At: t0})
	assert.True(t, v.Suppress)
	assert.Empty(t, v.Violations)
	assert.Equal(t, 0, m.Count())
}

type panicTrigger struct{}

func (panicTrigger) Name() string              { return "broken" }
func (panicTrigger) Inspect(Signal) Outcome    { panic("unsupported api") }
func (panicTrigger) Due(time.Time) []Detection { panic("unsupported api") }

func TestMonitor_FailingTriggerFailsOpen(t *testing.T) {
	m := New(zerolog.Nop(), Options{Triggers: []Trigger{panicTrigger{}, &ClipboardTrigger{}}})
	m.Configure(3, nil, nil)

	var v Verdict
	require.NotPanics(t, func() { v = m.Observe(Signal{Type: SignalCopy, At: t0}) })
	assert.True(t, v.Suppress)
	require.Len(t, v.Violations, 1)
	assert.Equal(t, 1, m.Count())
}

func TestMonitor_Report(t *testing.T) {
	m, counts, _ := newTestMonitor(3)

	v, err := m.Report(model.ViolationResize, "", t0)
	require.NoError(t, err)
	assert.Equal(t, model.ViolationResize, v.Kind)
	assert.NotEmpty(t, v.Message)
	assert.Equal(t, []int{1}, *counts)

	_, err = m.Report("screenshot", "x", t0)
	assert.Error(t, err)
	assert.Equal(t, 1, m.Count())
}

func TestMonitor_ViolationLogKeepsCreationOrder(t *testing.T) {
	m, _, _ := newTestMonitor(10)
	m.Observe(Signal{Type: SignalCopy, At: t0})
	m.Observe(Signal{Type: SignalVisibilityHidden, At: t0.Add(time.Second)})
	m.Observe(Signal{Type: SignalKeyDown, Key: "F12", At: t0.Add(2 * time.Second)})

	got := m.Violations()
	require.Len(t, got, 3)
	assert.Equal(t, model.ViolationCopyPaste, got[0].Kind)
	assert.Equal(t, model.ViolationTabSwitch, got[1].Kind)
	assert.Equal(t, model.ViolationDevTools, got[2].Kind)

	got[0].Message = "mutated"
	assert.NotEqual(t, "mutated", m.Violations()[0].Message)
}
