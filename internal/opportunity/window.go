package opportunity

import "time"

// Window is the half-open interval [Start, End). A zero bound is open.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.Start.IsZero() && t.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !t.Before(w.End) {
		return false
	}
	return true
}

func dayStart(d time.Time, loc *time.Location) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, loc)
}

// dayEnd is the first instant after the calendar day, so the whole of
// 23:59:59 local still counts as inside it.
func dayEnd(d time.Time, loc *time.Location) time.Time {
	y, m, day := d.Date()
	return time.Date(y, m, day+1, 0, 0, 0, 0, loc)
}

// SignupDeadline is the instant after which sign-ups are refused: the
// end of WindowEnd's day, else the end of SingleDate's day. ok is false
// when the opportunity has neither.
func (o Opportunity) SignupDeadline(loc *time.Location) (deadline time.Time, ok bool) {
	switch {
	case o.WindowEnd != nil:
		return dayEnd(*o.WindowEnd, loc), true
	case o.SingleDate != nil:
		return dayEnd(*o.SingleDate, loc), true
	}
	return time.Time{}, false
}

// AcceptsSignups reports whether a sign-up at now is still allowed.
func (o Opportunity) AcceptsSignups(now time.Time, loc *time.Location) bool {
	deadline, ok := o.SignupDeadline(loc)
	return !ok || now.Before(deadline)
}

// CheckInWindow computes when check-in is allowed. A start/end pair takes
// precedence over SingleDate; a single bound leaves the other side open.
func (o Opportunity) CheckInWindow(loc *time.Location) Window {
	var w Window
	switch {
	case o.WindowStart != nil || o.WindowEnd != nil:
		if o.WindowStart != nil {
			w.Start = dayStart(*o.WindowStart, loc)
		}
		if o.WindowEnd != nil {
			w.End = dayEnd(*o.WindowEnd, loc)
		}
	case o.SingleDate != nil:
		w.Start = dayStart(*o.SingleDate, loc)
		w.End = dayEnd(*o.SingleDate, loc)
	}
	return w
}
