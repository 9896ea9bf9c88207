package session

import "time"

// MeetingSession is the durable record of a meeting in progress. One exists
// per teacher at most; it survives process restarts through the Store.
type MeetingSession struct {
	MeetingID      string    `json:"meeting_id"`
	ProgramID      string    `json:"program_id"`
	StartTime      time.Time `json:"start_time"`
	ScheduledStart time.Time `json:"scheduled_start"`
	ScheduledEnd   time.Time `json:"scheduled_end"`
	ElapsedMinutes int       `json:"elapsed_minutes"`
	Active         bool      `json:"active"`
	Notified       bool      `json:"notified"` // one-shot reminder flag
}

// Elapsed recomputes minutes from wall clock. The value is always derived
// from StartTime, never accumulated, so it self-corrects after any pause.
func (s *MeetingSession) Elapsed(now time.Time) int {
	if s == nil || now.Before(s.StartTime) {
		return 0
	}
	return int(now.Sub(s.StartTime).Minutes())
}
