package app

import (
	"fmt"
	"math/rand"
)

// PINLength is the number of digits in a join PIN.
const PINLength = 6

// MaxPINAttempts bounds the search for an unused PIN.
const MaxPINAttempts = 32

// NewPIN draws a zero-padded numeric PIN.
func NewPIN(rng *rand.Rand) string {
	return fmt.Sprintf("%06d", rng.Intn(1_000_000))
}
