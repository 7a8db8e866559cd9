package token

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// payloadPrefix marks scannable payloads produced by this service. The
// delimited format is stable: deployed scanner apps parse the prefix and the
// token id and ignore the rest.
const payloadPrefix = "HOV1"

const payloadSeparator = "|"

// BuildPayload encodes the scannable code content for a token. The payload is
// not a security boundary: possession of the code alone completes nothing
// without the PIN and geofence checks.
func BuildPayload(tokenID, assetID string, createdAt time.Time) string {
	return strings.Join([]string{
		payloadPrefix,
		tokenID,
		assetID,
		strconv.FormatInt(createdAt.UnixNano(), 10),
	}, payloadSeparator)
}

// ParsePayload extracts the token id from a scanned payload.
func ParsePayload(payload string) (string, error) {
	parts := strings.Split(payload, payloadSeparator)
	if len(parts) < 2 || parts[0] != payloadPrefix {
		return "", fmt.Errorf("%w: unrecognized payload format", ErrBadPayload)
	}
	if parts[1] == "" {
		return "", fmt.Errorf("%w: empty token id", ErrBadPayload)
	}
	return parts[1], nil
}
