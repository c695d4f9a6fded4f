package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/skip2/go-qrcode"
)

// tokenBytes is the entropy behind a window token. 20 random bytes is
// comfortably beyond guessable or enumerable.
const tokenBytes = 20

// NewToken mints an opaque window token from a cryptographically
// strong source, hex-encoded. Holding the token identifies the window;
// it grants nothing by itself.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// QRPNG renders the token as a scannable PNG. Pure function of the
// token text: the image carries no server-side state and regenerating
// it yields the same bytes.
func QRPNG(token string) ([]byte, error) {
	return qrcode.Encode(token, qrcode.Medium, 256)
}
