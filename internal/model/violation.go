package model

import "time"

// ViolationKind enumerates the policy violations the monitor can detect.
type ViolationKind string

const (
	ViolationTabSwitch ViolationKind = "tab_switch"
	ViolationMinimize  ViolationKind = "minimize"
	ViolationDevTools  ViolationKind = "dev_tools"
	ViolationCopyPaste ViolationKind = "copy_paste"
	ViolationResize    ViolationKind = "resize"
)

// Valid reports whether k is a known violation kind.
func (k ViolationKind) Valid() bool {
	switch k {
	case ViolationTabSwitch, ViolationMinimize, ViolationDevTools, ViolationCopyPaste, ViolationResize:
		return true
	}
	return false
}

// Violation is a single detected policy breach. Immutable once created.
type Violation struct {
	Kind      ViolationKind `json:"kind"`
	Timestamp time.Time     `json:"timestamp"`
	Message   string        `json:"message"`
}

// ViolationState is the UI-facing view of the violation counter.
type ViolationState struct {
	Count               int  `json:"count"`
	MaxBeforeAutoSubmit int  `json:"max_before_auto_submit"`
	IsSecure            bool `json:"is_secure"`
}

// RemainingChances is derived from Count so the two can never disagree.
func (s ViolationState) RemainingChances() int {
	return RemainingChances(s.MaxBeforeAutoSubmit, s.Count)
}

// LimitReached reports whether the auto-submit threshold has been crossed.
func (s ViolationState) LimitReached() bool {
	return s.Count >= s.MaxBeforeAutoSubmit+1
}

// RemainingChances returns max(0, maxBeforeAutoSubmit + 1 - count).
func RemainingChances(maxBeforeAutoSubmit, count int) int {
	remaining := maxBeforeAutoSubmit + 1 - count
	if remaining < 0 {
		return 0
	}
	return remaining
}
