package domain

import "time"

type Outcome int

const (
	Absent Outcome = iota
	Expired
	Exhausted
	Grantable
)

func (o Outcome) String() string {
	switch o {
	case Absent:
		return "absent"
	case Expired:
		return "expired"
	case Exhausted:
		return "exhausted"
	case Grantable:
		return "grantable"
	}
	return "unknown"
}

// Err is the not-found flavour for o, nil for Grantable.
func (o Outcome) Err() error {
	switch o {
	case Expired:
		return ErrPasteExpired
	case Exhausted:
		return ErrViewLimitExceeded
	case Grantable:
		return nil
	}
	return ErrPasteNotFound
}

// Decision is the result of evaluating a paste for a consuming read.
// Next and RemainingViews are only set when Outcome is Grantable.
type Decision struct {
	Outcome        Outcome
	Next           *Paste
	RemainingViews *int64
}

// Peek classifies p at now without consuming a view.
func Peek(p *Paste, now time.Time) Outcome {
	if p == nil {
		return Absent
	}
	if p.ExpiresAt != nil && !now.Before(*p.ExpiresAt) {
		return Expired
	}
	if p.MaxViews != nil && p.Views >= *p.MaxViews {
		return Exhausted
	}
	return Grantable
}

// Evaluate decides whether a consuming read of p at now is allowed and,
// if so, returns the record with the view counted. p is not modified.
func Evaluate(p *Paste, now time.Time) Decision {
	outcome := Peek(p, now)
	if outcome != Grantable {
		return Decision{Outcome: outcome}
	}
	next := p.Clone()
	next.Views++
	d := Decision{Outcome: Grantable, Next: next}
	if next.MaxViews != nil {
		remaining := *next.MaxViews - next.Views
		if remaining < 0 {
			remaining = 0
		}
		d.RemainingViews = &remaining
	}
	return d
}
