package model

import "time"

// ScheduleSetting is the secondary destination window. A disabled window
// is stored as StartTime == ExpiryTime == 0.
type ScheduleSetting struct {
	SecondaryChannelID int64 `db:"secondary_channel_id" json:"secondary_channel_id"`
	StartTime          int64 `db:"start_time" json:"start_time"`
	ExpiryTime         int64 `db:"expiry_time" json:"expiry_time"`
}

// Disabled reports whether the window has been reset.
func (s ScheduleSetting) Disabled() bool {
	return s.StartTime == 0 && s.ExpiryTime == 0
}

// Active reports whether now lies within [start, expiry).
func (s ScheduleSetting) Active(now time.Time) bool {
	if s.Disabled() {
		return false
	}
	ts := now.Unix()
	return s.StartTime <= ts && ts < s.ExpiryTime
}

// Upcoming reports whether the window is configured but has not started yet.
func (s ScheduleSetting) Upcoming(now time.Time) bool {
	return !s.Disabled() && now.Unix() < s.StartTime
}
