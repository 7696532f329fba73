package coordinator

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// newJobID derives an id from random bytes plus a timestamp salt, hashed
// with sha256 and hex-encoded, rather than using a UUID library (the pool
// hub uses satori/go.uuid for session tokens). Receipt ids are generated
// by this same function.
func newJobID() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	h := sha256.New()
	h.Write(buf[:])
	h.Write([]byte(time.Now().String()))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
