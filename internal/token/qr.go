package token

import (
	"bytes"
	"fmt"
	"image/png"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
)

// RenderQR renders the token payload as a PNG QR code sized for on-screen
// scanning.
func RenderQR(payload string, sizePx int) ([]byte, error) {
	code, err := qr.Encode(payload, qr.M, qr.Auto)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	code, err = barcode.Scale(code, sizePx, sizePx)
	if err != nil {
		return nil, fmt.Errorf("failed to scale qr code: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, code); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}
