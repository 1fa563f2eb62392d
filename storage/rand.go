package storage

import crand "crypto/rand"

// randRead fills b with cryptographically random bytes, used only for
// generating per-message nonces for the Encrypted compression
// provider. Backoff jitter elsewhere in the engine intentionally uses
// gitlab.com/NebulousLabs/fastrand instead - nonces are a security
// boundary, scheduling jitter is not.
func randRead(b []byte) (int, error) {
	return crand.Read(b)
}
