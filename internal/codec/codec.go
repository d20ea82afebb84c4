// Package codec encodes batch identifiers into scannable payloads and decodes
// scanned text back into candidate identifiers.
package codec

import (
	"fmt"
	"strings"

	"herbtrace/pkg/domain"
)

// PayloadPrefix is the fixed, case-sensitive prefix of every payload.
const PayloadPrefix = "HerbTrace:"

// Encode returns the payload string naming id.
func Encode(id domain.BatchID) string {
	return PayloadPrefix + string(id)
}

// Decode validates raw scan text and returns the identifier it names. The
// identifier is not checked against any store.
func Decode(raw string) (domain.BatchID, error) {
	rest, ok := strings.CutPrefix(raw, PayloadPrefix)
	if !ok {
		return "", fmt.Errorf("%w: missing %q prefix", domain.ErrInvalidPayloadFormat, PayloadPrefix)
	}
	if rest == "" {
		return "", fmt.Errorf("%w: empty identifier", domain.ErrInvalidPayloadFormat)
	}
	return domain.BatchID(rest), nil
}
