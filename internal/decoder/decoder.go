// Package decoder turns QR codes presented to a camera, or typed by a wedge
// scanner, into payload strings.
package decoder

import (
	"image"
	"strings"

	"github.com/makiuchi-d/gozxing"
	zxingqr "github.com/makiuchi-d/gozxing/qrcode"
)

// Handle identifies one arming. Zero is never a valid handle.
type Handle uint64

// Decoder emits at most one payload per arming and then disarms itself
// until Arm is called again.
type Decoder interface {
	Arm(onDecode func(payload string)) (Handle, error)
	Disarm(h Handle)
}

var hints = map[gozxing.DecodeHintType]interface{}{
	gozxing.DecodeHintType_TRY_HARDER: true,
}

// Decode reads a QR code from a single frame.
func Decode(img image.Image) (string, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", err
	}
	res, err := zxingqr.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.GetText()), nil
}
