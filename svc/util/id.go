package util

import (
	"context"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
)

const (
	IDLength   = 8
	IDAlphabet = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// IDGenerator produces candidate paste identifiers. Uniqueness is checked
// by the store on insert, not here.
type IDGenerator interface {
	Generate(ctx context.Context) (string, error)
}

type NanoID struct {
	length int
}

func NewNanoID(length int) *NanoID {
	if length <= 0 {
		length = IDLength
	}
	return &NanoID{length: length}
}
func (g *NanoID) Generate(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	id, err := gonanoid.Generate(IDAlphabet, g.length)
	if err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	return id, nil
}

// ValidID reports whether s could have been produced by NanoID. Anything
// else cannot name a stored paste, so lookups can skip the store.
func ValidID(s string) bool {
	if len(s) != IDLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
