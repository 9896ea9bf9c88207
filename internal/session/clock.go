package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"classroom/internal/metrics"
)

// ErrSessionActive is returned when starting a session while a different
// meeting is already in progress for the same teacher.
var ErrSessionActive = errors.New("another meeting session is active")

// Reminder is the user-facing cue requested once per session when the
// configured threshold is crossed. Notify is the primary channel; Chime is
// the audible fallback when notifications are unavailable or denied.
type Reminder interface {
	Notify(ctx context.Context, teacherID string, s MeetingSession) error
	Chime(ctx context.Context, teacherID string) error
}

// LogReminder writes reminders to the log; the UI reads them off its own
// channel in deployments.
type LogReminder struct{}

// Notify logs the reminder.
func (LogReminder) Notify(ctx context.Context, teacherID string, s MeetingSession) error {
	zap.L().Info("session reminder",
		zap.String("teacher_id", teacherID),
		zap.String("meeting_id", s.MeetingID),
		zap.Int("elapsed_minutes", s.ElapsedMinutes))
	return nil
}

// Chime logs the fallback cue.
func (LogReminder) Chime(ctx context.Context, teacherID string) error {
	zap.L().Info("session reminder chime", zap.String("teacher_id", teacherID))
	return nil
}

// Clock tracks in-progress meeting sessions. Elapsed time is recomputed from
// wall clock on every tick and persisted through the Store.
type Clock struct {
	store    Store
	reminder Reminder
	tick     time.Duration
	after    time.Duration

	nowFunc func() time.Time
}

// NewClock creates a clock. after is the reminder threshold.
func NewClock(store Store, reminder Reminder, tick, after time.Duration) *Clock {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Clock{
		store:    store,
		reminder: reminder,
		tick:     tick,
		after:    after,
		nowFunc:  time.Now,
	}
}

// Start begins tracking a meeting. Starting a different meeting while one is
// active is an error; re-opening the same meeting reattaches to it.
func (c *Clock) Start(ctx context.Context, teacherID, meetingID, programID string, scheduledStart, scheduledEnd time.Time) (*MeetingSession, error) {
	existing, err := c.store.Load(ctx, teacherID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Active {
		if existing.MeetingID != meetingID {
			return nil, ErrSessionActive
		}
		existing.ElapsedMinutes = existing.Elapsed(c.nowFunc())
		if err := c.store.Save(ctx, teacherID, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	s := &MeetingSession{
		MeetingID:      meetingID,
		ProgramID:      programID,
		StartTime:      c.nowFunc(),
		ScheduledStart: scheduledStart,
		ScheduledEnd:   scheduledEnd,
		ElapsedMinutes: 0,
		Active:         true,
	}
	if err := c.store.Save(ctx, teacherID, s); err != nil {
		return nil, err
	}
	return s, nil
}

// End clears persisted state unconditionally.
func (c *Clock) End(ctx context.Context, teacherID string) error {
	return c.store.Clear(ctx, teacherID)
}

// Active reports whether the given meeting is the teacher's current session.
func (c *Clock) Active(ctx context.Context, teacherID, meetingID string) (bool, error) {
	s, err := c.store.Load(ctx, teacherID)
	if err != nil {
		return false, err
	}
	return s != nil && s.Active && s.MeetingID == meetingID, nil
}

// Rehydrate reattaches a persisted session on startup, recomputing elapsed
// time immediately so no time is lost across a restart. Returns nil when no
// valid session exists.
func (c *Clock) Rehydrate(ctx context.Context, teacherID string) (*MeetingSession, error) {
	s, err := c.store.Load(ctx, teacherID)
	if err != nil || s == nil {
		return nil, err
	}
	s.ElapsedMinutes = s.Elapsed(c.nowFunc())
	if err := c.store.Save(ctx, teacherID, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Tick recomputes one teacher's elapsed time, persists it, and requests the
// one-shot reminder when the threshold is first crossed.
func (c *Clock) Tick(ctx context.Context, teacherID string) error {
	s, err := c.store.Load(ctx, teacherID)
	if err != nil || s == nil || !s.Active {
		return err
	}
	s.ElapsedMinutes = s.Elapsed(c.nowFunc())

	if !s.Notified && time.Duration(s.ElapsedMinutes)*time.Minute >= c.after && c.after > 0 {
		if err := c.reminder.Notify(ctx, teacherID, *s); err != nil {
			if cerr := c.reminder.Chime(ctx, teacherID); cerr != nil {
				zap.L().Warn("session reminder failed",
					zap.String("teacher_id", teacherID), zap.Error(err))
			}
		}
		s.Notified = true
		metrics.RemindersFired.Inc()
	}

	return c.store.Save(ctx, teacherID, s)
}

// Run ticks every stored session once per interval until ctx is cancelled.
func (c *Clock) Run(ctx context.Context) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			teachers, err := c.store.Teachers(ctx)
			if err != nil {
				zap.L().Warn("session tick: listing sessions failed", zap.Error(err))
				continue
			}
			for _, id := range teachers {
				if err := c.Tick(ctx, id); err != nil {
					zap.L().Warn("session tick failed",
						zap.String("teacher_id", id), zap.Error(err))
				}
			}
		}
	}
}
