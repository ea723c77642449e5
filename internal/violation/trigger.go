package violation

import (
	"strings"
	"time"

	"github.com/stemsi/exstem-guard/internal/model"
)

// Trigger turns signals into detections. Triggers are independent: adding or
// removing one never changes what the others report.
type Trigger interface {
	Name() string
	Inspect(sig Signal) Outcome
}

// Deferred is implemented by triggers that confirm a detection only after time passes.
type Deferred interface {
	Due(now time.Time) []Detection
}

// DefaultTriggers returns the standard detection rule set.
func DefaultTriggers(opts Options) []Trigger {
	return []Trigger{
		&VisibilityTrigger{},
		NewFocusTrigger(opts.FocusDebounce),
		&ClipboardTrigger{},
		&DevToolsKeyTrigger{},
		NewViewportTrigger(opts.ViewportThreshold),
		&ContextMenuGuard{},
	}
}

// VisibilityTrigger reports a tab switch when the page becomes hidden.
type VisibilityTrigger struct{}

func (t *VisibilityTrigger) Name() string { return "visibility" }

func (t *VisibilityTrigger) Inspect(sig Signal) Outcome {
	if sig.Type != SignalVisibilityHidden {
		return Outcome{}
	}
	return Outcome{Detection: &Detection{
		Kind:    model.ViolationTabSwitch,
		Message: "Left the exam tab",
	}}
}

// FocusTrigger reports a minimize when window focus stays lost for longer than
// the debounce. Clicking in-page UI blurs and refocuses within a few
// milliseconds, which is why the loss is confirmed only after the delay.
type FocusTrigger struct {
	debounce time.Duration
	blurAt   *time.Time
}

// NewFocusTrigger creates a FocusTrigger with the given confirmation delay.
func NewFocusTrigger(debounce time.Duration) *FocusTrigger {
	return &FocusTrigger{debounce: debounce}
}

func (t *FocusTrigger) Name() string { return "focus" }

func (t *FocusTrigger) Inspect(sig Signal) Outcome {
	switch sig.Type {
	case SignalBlur:
		if t.blurAt == nil {
			at := sig.At
			t.blurAt = &at
		}
	case SignalFocus, SignalVisibilityHidden:
		// A hidden page is already counted as a tab switch.
		t.blurAt = nil
	}
	return Outcome{}
}

func (t *FocusTrigger) Due(now time.Time) []Detection {
	if t.blurAt == nil || now.Sub(*t.blurAt) < t.debounce {
		return nil
	}
	t.blurAt = nil
	return []Detection{{
		Kind:    model.ViolationMinimize,
		Message: "Exam window lost focus",
	}}
}

// ClipboardTrigger blocks and reports copy, cut and paste.
type ClipboardTrigger struct{}

func (t *ClipboardTrigger) Name() string { return "clipboard" }

func (t *ClipboardTrigger) Inspect(sig Signal) Outcome {
	var action string
	switch sig.Type {
	case SignalCopy:
		action = "Copy"
	case SignalCut:
		action = "Cut"
	case SignalPaste:
		action = "Paste"
	default:
		return Outcome{}
	}
	return Outcome{
		Suppress: true,
		Detection: &Detection{
			Kind:    model.ViolationCopyPaste,
			Message: action + " attempt blocked",
		},
	}
}

// DevToolsKeyTrigger blocks and reports inspector, console and view-source shortcuts.
type DevToolsKeyTrigger struct{}

func (t *DevToolsKeyTrigger) Name() string { return "devtools_keys" }

func (t *DevToolsKeyTrigger) Inspect(sig Signal) Outcome {
	if sig.Type != SignalKeyDown || !isDevToolsShortcut(sig) {
		return Outcome{}
	}
	return Outcome{
		Suppress: true,
		Detection: &Detection{
			Kind:    model.ViolationDevTools,
			Message: "Developer tools shortcut blocked",
		},
	}
}

func isDevToolsShortcut(sig Signal) bool {
	key := strings.ToUpper(sig.Key)
	if key == "F12" {
		return true
	}
	switch key {
	case "I", "J", "C":
		// Ctrl+Shift on Windows/Linux, Cmd+Option on macOS.
		return (sig.Ctrl && sig.Shift) || (sig.Meta && sig.Alt)
	case "U":
		return (sig.Ctrl && !sig.Shift) || (sig.Meta && sig.Alt)
	}
	return false
}

// ViewportTrigger reports docked developer tools: after a resize the outer
// window is much wider than the page viewport. It fires on the transition into
// that state, not on every resize while it persists.
type ViewportTrigger struct {
	threshold int
	open      bool
}

// NewViewportTrigger creates a ViewportTrigger firing when outer-inner width exceeds threshold.
func NewViewportTrigger(threshold int) *ViewportTrigger {
	return &ViewportTrigger{threshold: threshold}
}

func (t *ViewportTrigger) Name() string { return "viewport" }

func (t *ViewportTrigger) Inspect(sig Signal) Outcome {
	if sig.Type != SignalResize || sig.OuterWidth <= 0 || sig.InnerWidth <= 0 {
		return Outcome{}
	}
	exceeded := sig.OuterWidth-sig.InnerWidth > t.threshold
	wasOpen := t.open
	t.open = exceeded
	if !exceeded || wasOpen {
		return Outcome{}
	}
	return Outcome{Detection: &Detection{
		Kind:    model.ViolationDevTools,
		Message: "Developer tools panel detected",
	}}
}

// ContextMenuGuard suppresses the context menu. It is prevention only.
type ContextMenuGuard struct{}

func (t *ContextMenuGuard) Name() string { return "context_menu" }

func (t *ContextMenuGuard) Inspect(sig Signal) Outcome {
	return Outcome{Suppress: sig.Type == SignalContextMenu}
}
