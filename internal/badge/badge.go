// Package badge renders student QR badges.
package badge

import (
	"errors"

	"github.com/skip2/go-qrcode"
)

const DefaultSize = 256

var ErrEmptyPayload = errors.New("badge: empty payload")

// PNG renders payload as a QR code with high error correction. size <= 0
// means DefaultSize.
func PNG(payload string, size int) ([]byte, error) {
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	if size <= 0 {
		size = DefaultSize
	}
	if size > 2048 {
		size = 2048
	}
	q, err := qrcode.New(payload, qrcode.High)
	if err != nil {
		return nil, err
	}
	return q.PNG(size)
}
