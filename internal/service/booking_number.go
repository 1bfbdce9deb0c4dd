package service

import (
	"crypto/rand"
	"io"
	"time"
)

const bookingNumberAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// bookingNumberAttempts bounds retries when a generated number collides
// with an existing one.
const bookingNumberAttempts = 3

// NewBookingNumber returns SRV-<YYYYMMDD>-<XXXX> for the UTC date of now,
// with four characters drawn uniformly from A-Z0-9 using src.  A nil src
// means crypto/rand.
func NewBookingNumber(now time.Time, src io.Reader) (string, error) {
	if src == nil {
		src = rand.Reader
	}
	const n = len(bookingNumberAlphabet)
	// Largest multiple of n that fits in a byte; bytes at or above it are
	// discarded so every character is equally likely.
	const limit = 256 - 256%n

	suffix := make([]byte, 0, 4)
	buf := make([]byte, 8)
	for len(suffix) < 4 {
		if _, err := io.ReadFull(src, buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			suffix = append(suffix, bookingNumberAlphabet[int(b)%n])
			if len(suffix) == 4 {
				break
			}
		}
	}
	return "SRV-" + now.UTC().Format("20060102") + "-" + string(suffix), nil
}
