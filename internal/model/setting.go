package model

import "time"

// AppSetting represents a key-value pair for global application configuration.
type AppSetting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Setting keys holding the proctor thresholds in app_settings.
const (
	SettingMaxViolationsBeforeWarning    = "max_violations_before_warning"
	SettingMaxViolationsBeforeAutoSubmit = "max_violations_before_auto_submit"
	SettingAutoSaveIntervalMillis        = "auto_save_interval_ms"
	SettingDisconnectGracePeriodSeconds  = "disconnect_grace_period_seconds"
)

// ProctorSettings are the administratively supplied engine thresholds.
type ProctorSettings struct {
	MaxViolationsBeforeWarning    int `json:"max_violations_before_warning" binding:"min=0"`
	MaxViolationsBeforeAutoSubmit int `json:"max_violations_before_auto_submit" binding:"min=0"`
	AutoSaveIntervalMillis        int `json:"auto_save_interval_ms" binding:"min=1000,max=600000"`
	DisconnectGracePeriodSeconds  int `json:"disconnect_grace_period_seconds" binding:"min=0"`
}

// AutoSaveInterval converts the configured interval to a duration.
func (p ProctorSettings) AutoSaveInterval() time.Duration {
	return time.Duration(p.AutoSaveIntervalMillis) * time.Millisecond
}

// DisconnectGracePeriod converts the configured grace period to a duration.
func (p ProctorSettings) DisconnectGracePeriod() time.Duration {
	return time.Duration(p.DisconnectGracePeriodSeconds) * time.Second
}
