// Package zero provides helpers to clear sensitive byte material from
// memory.  The compiler is free to optimize away writes to dead buffers, so
// callers must keep the slice reachable until the call returns.
package zero

// Bytes sets every byte in the passed slice to zero.  It is used to clear
// decrypted key material and passphrases as soon as they are no longer
// needed.
func Bytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Bytea32 zeroes a 32-byte array, the size used for derived crypto keys.
func Bytea32(b *[32]byte) {
	*b = [32]byte{}
}

// Bytea64 zeroes a 64-byte array, the size used for master seeds.
func Bytea64(b *[64]byte) {
	*b = [64]byte{}
}
