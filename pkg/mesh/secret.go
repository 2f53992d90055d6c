package mesh

import (
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

const (
	proofIterations = 4096
	proofKeyLen     = 32
	proofSaltPrefix = "peermesh/room:"
)

// roomProof derives the shared-secret proof sent with a join request from
// the room password. The room name salts the derivation so the same
// password yields distinct proofs per room.
func roomProof(password, room string) string {
	key := pbkdf2.Key([]byte(password), []byte(proofSaltPrefix+room), proofIterations, proofKeyLen, sha256.New)
	return hex.EncodeToString(key)
}
