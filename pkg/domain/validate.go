package domain

import "strings"

const (
	MsgContentRequired = "content must be a non-empty string"
	MsgTTLInvalid      = "ttl_seconds must be integer ≥ 1"
	MsgMaxViewsInvalid = "max_views must be integer ≥ 1"

	// MaxTTLSeconds keeps created_at + ttl inside the range of time.Duration.
	MaxTTLSeconds = 100 * 365 * 24 * 60 * 60
)

// ValidateCreate checks a create request in field order and reports the
// first rule it breaks. maxSize <= 0 disables the size check.
func ValidateCreate(p CreateParams, maxSize int64) error {
	if strings.TrimSpace(p.Content) == "" {
		return NewValidationErr("content", MsgContentRequired)
	}
	if maxSize > 0 && int64(len(p.Content)) > maxSize {
		return ErrPasteTooLarge
	}
	if p.TTLSeconds != nil && (*p.TTLSeconds < 1 || *p.TTLSeconds > MaxTTLSeconds) {
		return NewValidationErr("ttl_seconds", MsgTTLInvalid)
	}
	if p.MaxViews != nil && *p.MaxViews < 1 {
		return NewValidationErr("max_views", MsgMaxViewsInvalid)
	}
	return nil
}
