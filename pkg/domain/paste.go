package domain

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Paste is the stored record. Instants are kept at millisecond precision
// because that is what the serialized form carries.
type Paste struct {
	ID        string
	Content   string
	CreatedAt time.Time
	ExpiresAt *time.Time
	MaxViews  *int64
	Views     int64
}

// record is the persisted layout of a paste.
type record struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt *int64 `json:"expires_at"`
	MaxViews  *int64 `json:"max_views"`
	Views     int64  `json:"views"`
}

type CreateParams struct {
	Content    string
	TTLSeconds *int64
	MaxViews   *int64
	BaseURL    string
}

type Created struct {
	ID        string
	URL       string
	ExpiresAt *time.Time
}

// View is what a granted consuming fetch hands back.
type View struct {
	Content        string
	RemainingViews *int64
	ExpiresAt      *time.Time
}

// Millis truncates t to the precision records are stored with.
func Millis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

func (p *Paste) Clone() *Paste {
	if p == nil {
		return nil
	}
	cp := *p
	if p.ExpiresAt != nil {
		exp := *p.ExpiresAt
		cp.ExpiresAt = &exp
	}
	if p.MaxViews != nil {
		mv := *p.MaxViews
		cp.MaxViews = &mv
	}
	return &cp
}

// Equal reports whether both pastes describe the same stored state.
func (p *Paste) Equal(o *Paste) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.ID != o.ID || p.Content != o.Content || p.Views != o.Views {
		return false
	}
	if p.CreatedAt.UnixMilli() != o.CreatedAt.UnixMilli() {
		return false
	}
	switch {
	case (p.ExpiresAt == nil) != (o.ExpiresAt == nil):
		return false
	case p.ExpiresAt != nil && p.ExpiresAt.UnixMilli() != o.ExpiresAt.UnixMilli():
		return false
	}
	switch {
	case (p.MaxViews == nil) != (o.MaxViews == nil):
		return false
	case p.MaxViews != nil && *p.MaxViews != *o.MaxViews:
		return false
	}
	return true
}

func Marshal(p *Paste) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil paste")
	}
	rec := record{
		ID:        p.ID,
		Content:   p.Content,
		CreatedAt: p.CreatedAt.UnixMilli(),
		MaxViews:  p.MaxViews,
		Views:     p.Views,
	}
	if p.ExpiresAt != nil {
		ms := p.ExpiresAt.UnixMilli()
		rec.ExpiresAt = &ms
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "marshal paste")
	}
	return data, nil
}

// Unmarshal decodes a stored value. id fills in the identifier for values
// written without one.
func Unmarshal(id string, data []byte) (*Paste, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, errors.Wrap(err, "unmarshal paste")
	}
	if rec.ID == "" {
		rec.ID = id
	}
	p := &Paste{
		ID:        rec.ID,
		Content:   rec.Content,
		CreatedAt: time.UnixMilli(rec.CreatedAt).UTC(),
		MaxViews:  rec.MaxViews,
		Views:     rec.Views,
	}
	if rec.ExpiresAt != nil {
		exp := time.UnixMilli(*rec.ExpiresAt).UTC()
		p.ExpiresAt = &exp
	}
	return p, nil
}
