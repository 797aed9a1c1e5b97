package domain

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDecode indicates a ciphertext that does not decrypt to valid content.
	ErrDecode = errors.New("ciphertext decode failed")
	// ErrInvalidChance indicates a probability outside [0, 1].
	ErrInvalidChance = errors.New("chance must be within [0, 1]")
	// ErrInvalidLimit indicates a non-positive corpus limit.
	ErrInvalidLimit = errors.New("texts limit must be positive")
	// ErrInvalidID indicates an author or message id the record format cannot carry.
	ErrInvalidID = errors.New("ids may only contain letters, digits, '_' and '-'")
	// ErrTenantBanned is returned when a tenant is banned while its store is being built.
	ErrTenantBanned = errors.New("tenant is banned")
)

// ValidateChance checks that p is a probability.
func ValidateChance(field ConfigField, p float64) error {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return fmt.Errorf("%s %v: %w", field, p, ErrInvalidChance)
	}
	return nil
}

// ValidateTextsLimit checks that n is a usable corpus capacity.
func ValidateTextsLimit(n int) error {
	if n < 1 {
		return fmt.Errorf("texts limit %d: %w", n, ErrInvalidLimit)
	}
	return nil
}
