package violation

import (
	"time"

	"github.com/stemsi/exstem-guard/internal/model"
)

// SignalType names a raw environment event reported by the exam browser.
type SignalType string

const (
	SignalVisibilityHidden  SignalType = "visibility_hidden"
	SignalVisibilityVisible SignalType = "visibility_visible"
	SignalBlur              SignalType = "blur"
	SignalFocus             SignalType = "focus"
	SignalCopy              SignalType = "copy"
	SignalCut               SignalType = "cut"
	SignalPaste             SignalType = "paste"
	SignalKeyDown           SignalType = "keydown"
	SignalResize            SignalType = "resize"
	SignalContextMenu       SignalType = "contextmenu"
)

// Signal is one environment observation. Fields irrelevant to Type are zero.
type Signal struct {
	Type       SignalType `json:"type"`
	Key        string     `json:"key,omitempty"`
	Ctrl       bool       `json:"ctrl,omitempty"`
	Shift      bool       `json:"shift,omitempty"`
	Alt        bool       `json:"alt,omitempty"`
	Meta       bool       `json:"meta,omitempty"`
	OuterWidth int        `json:"outer_width,omitempty"`
	InnerWidth int        `json:"inner_width,omitempty"`
	At         time.Time  `json:"at"`
}

// Detection is what a trigger reports before the monitor stamps and counts it.
type Detection struct {
	Kind    model.ViolationKind
	Message string
}

// Outcome is a trigger's reaction to one signal.
type Outcome struct {
	Detection *Detection
	// Suppress asks the client to cancel the browser's default action.
	Suppress bool
}

// Verdict is the monitor's combined answer to one signal.
type Verdict struct {
	Suppress   bool              `json:"suppress"`
	Violations []model.Violation `json:"violations,omitempty"`
}
