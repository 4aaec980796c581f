package utils

import (
	"bytes"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// HashLen is the length of a proof hash.
const HashLen = 32

// GenesisHash is the previous_proof_hash of the height-0 record.
var GenesisHash = make([]byte, HashLen)

// ProofHash 证明字节的 SHA3-256 摘要，作为下一高度的 previous_proof_hash
func ProofHash(proof []byte) []byte {
	sum := sha3.Sum256(proof)
	return sum[:]
}

// LinksTo reports whether next chains onto a record whose proof is prevProof.
func LinksTo(nextPrevHash, prevProof []byte) bool {
	return bytes.Equal(nextPrevHash, ProofHash(prevProof))
}

// ShortHex 日志里只打印前 8 个字节
func ShortHex(b []byte) string {
	if len(b) > 8 {
		b = b[:8]
	}
	return hex.EncodeToString(b)
}
