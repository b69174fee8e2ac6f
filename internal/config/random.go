package config

import (
	"crypto/rand"
	"encoding/hex"
)

// randomHex returns n random bytes hex-encoded. Used only to mint an
// ephemeral cursor secret when none is configured.
func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("config: failed to read random bytes: " + err.Error())
	}
	return hex.EncodeToString(b)
}
