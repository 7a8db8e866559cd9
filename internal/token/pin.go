package token

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
)

const pinModulus = 1000000

// GeneratePIN draws a uniform 6-digit PIN. Values from the top of the uint32
// range that would bias the modulo are rejected and redrawn.
func GeneratePIN() (string, error) {
	limit := uint32(math.MaxUint32 - math.MaxUint32%pinModulus)

	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		v := binary.BigEndian.Uint32(buf[:])
		if v < limit {
			return fmt.Sprintf("%06d", v%pinModulus), nil
		}
	}
}
