package schema

import (
	"crypto/rand"
	"crypto/sha3"
	"encoding/base64"
	"encoding/hex"
)

// UniqID returns a random identifier of 32 lowercase hex characters
func UniqID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b)
}

// Digest128 returns a short stable content digest: the first 15 bytes
// of SHAKE-128 over the input, base64 encoded to 20 characters. Row
// keys (_dlt_id) are built from it.
func Digest128(v string) string {
	return base64.StdEncoding.EncodeToString(sha3.SumSHAKE128([]byte(v), 15))
}
