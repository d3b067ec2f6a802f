package alias

import (
	"crypto/sha1"
	"encoding/hex"
)

// shortHash is the sha1 hex digest used to derive per-session socket file
// names from a session key (spec.md §6: {sha1(sessionKey)}.sock).
func shortHash(sessionKey string) string {
	sum := sha1.Sum([]byte(sessionKey))
	return hex.EncodeToString(sum[:])
}

// SocketFileName exposes the same derivation to other packages (rpcserver)
// so both sides of the socket naming convention stay in lockstep.
func SocketFileName(sessionKey string) string {
	return socketFileName(sessionKey)
}
