package rate

import (
	"crypto/rand"
	"encoding/hex"
)

// randomSuffix disambiguates sorted-set members created in the same
// millisecond.
func randomSuffix() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
