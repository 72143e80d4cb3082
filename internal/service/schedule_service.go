package service

import (
	"context"
	"regexp"
	"strconv"
	"time"

	appErrors "github.com/unclebandit/alert-relay/internal/errors"
	"github.com/unclebandit/alert-relay/internal/model"
	"github.com/unclebandit/alert-relay/internal/repository"
)

// Window states reported by Status.
const (
	WindowActive   = "active"
	WindowUpcoming = "upcoming"
	WindowInactive = "inactive"
)

var (
	windowDurationRe = regexp.MustCompile(`^(\d+)([hm])$`)
	windowStartRe    = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
)

// WindowStatus describes the secondary window at one instant.
type WindowStatus struct {
	State              string    `json:"state"`
	SecondaryChannelID int64     `json:"secondary_channel_id"`
	Start              time.Time `json:"start,omitempty"`
	Expiry             time.Time `json:"expiry,omitempty"`
}

// ScheduleService manages the secondary destination window. Start times
// are interpreted in Location.
type ScheduleService struct {
	Repo     repository.ScheduleRepositoryInterface
	Location *time.Location
	Now      func() time.Time
}

func NewScheduleService(repo repository.ScheduleRepositoryInterface, loc *time.Location) *ScheduleService {
	if loc == nil {
		loc = time.UTC
	}
	return &ScheduleService{Repo: repo, Location: loc, Now: time.Now}
}

// EnsureRow makes sure the single settings row exists, updating the
// configured secondary channel.
func (s *ScheduleService) EnsureRow(ctx context.Context, secondaryChannelID int64) error {
	return s.Repo.EnsureRow(ctx, secondaryChannelID)
}

func (s *ScheduleService) Get(ctx context.Context) (model.ScheduleSetting, error) {
	return s.Repo.Get(ctx)
}

// SetWindow validates a "<n>h|<n>m" duration and an "HH:MM" start and
// stores the resulting window. A start already past today moves to tomorrow.
func (s *ScheduleService) SetWindow(ctx context.Context, duration, start string) (WindowStatus, error) {
	d, err := parseWindowDuration(duration)
	if err != nil {
		return WindowStatus{}, err
	}
	hour, minute, err := parseStartTime(start)
	if err != nil {
		return WindowStatus{}, err
	}

	now := s.Now().In(s.Location)
	begin := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, s.Location)
	if begin.Before(now) {
		begin = begin.AddDate(0, 0, 1)
	}
	end := begin.Add(d)

	if err := s.Repo.SaveWindow(ctx, begin.Unix(), end.Unix()); err != nil {
		return WindowStatus{}, err
	}
	return s.Status(ctx)
}

// Stop disables the window by resetting it to 0, 0.
func (s *ScheduleService) Stop(ctx context.Context) error {
	return s.Repo.SaveWindow(ctx, 0, 0)
}

func (s *ScheduleService) Status(ctx context.Context) (WindowStatus, error) {
	setting, err := s.Repo.Get(ctx)
	if err != nil {
		return WindowStatus{}, err
	}

	now := s.Now()
	st := WindowStatus{State: WindowInactive, SecondaryChannelID: setting.SecondaryChannelID}
	switch {
	case setting.Active(now):
		st.State = WindowActive
	case setting.Upcoming(now):
		st.State = WindowUpcoming
	default:
		return st, nil
	}
	st.Start = time.Unix(setting.StartTime, 0).In(s.Location)
	st.Expiry = time.Unix(setting.ExpiryTime, 0).In(s.Location)
	return st, nil
}

// ActiveSecondary returns the secondary channel when the window is active now.
func (s *ScheduleService) ActiveSecondary(ctx context.Context) (int64, bool, error) {
	setting, err := s.Repo.Get(ctx)
	if err != nil {
		return 0, false, err
	}
	if setting.SecondaryChannelID == 0 || !setting.Active(s.Now()) {
		return 0, false, nil
	}
	return setting.SecondaryChannelID, true, nil
}

func parseWindowDuration(v string) (time.Duration, error) {
	m := windowDurationRe.FindStringSubmatch(v)
	if m == nil {
		return 0, &appErrors.InvalidWindowError{Reason: appErrors.WindowBadDuration}
	}
	n, err := strconv.Atoi(m[1])
	// Cap at a year to keep the expiry representable.
	if err != nil || n <= 0 || (m[2] == "h" && n > 24*366) || (m[2] == "m" && n > 24*366*60) {
		return 0, &appErrors.InvalidWindowError{Reason: appErrors.WindowBadDuration}
	}
	if m[2] == "h" {
		return time.Duration(n) * time.Hour, nil
	}
	return time.Duration(n) * time.Minute, nil
}

func parseStartTime(v string) (int, int, error) {
	m := windowStartRe.FindStringSubmatch(v)
	if m == nil {
		return 0, 0, &appErrors.InvalidWindowError{Reason: appErrors.WindowBadStartFormat}
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return 0, 0, &appErrors.InvalidWindowError{Reason: appErrors.WindowBadStartRange}
	}
	return hour, minute, nil
}
