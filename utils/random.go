package utils

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// RandStr returns n random lowercase hex characters.
func RandStr(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the platform source is broken;
		// there is no sensible fallback for identifier generation.
		panic(err)
	}
	return hex.EncodeToString(buf)[:n]
}

// HashedID derives the opaque public identifier for a gateway from its seed
// material. The hex SHA3-256 digest fits the 64 character column.
func HashedID(seed string) string {
	sum := sha3.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}
