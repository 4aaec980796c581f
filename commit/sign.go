package commit

import (
	"errors"
	"fmt"

	"tower/types"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

var (
	ErrNoSigner     = errors.New("no signing key")
	ErrBadSignature = errors.New("signature does not verify")
)

// Sign 用账户私钥对交易摘要签名（DER），并附上压缩公钥
func Sign(tx *types.Transaction, key *btcec.PrivateKey) error {
	if key == nil {
		return ErrNoSigner
	}
	tx.PublicKey = key.PubKey().SerializeCompressed()
	tx.Signature = ecdsa.Sign(key, tx.Digest()).Serialize()
	return nil
}

// Verify checks tx.Signature against tx.PublicKey.
func Verify(tx *types.Transaction) error {
	pub, err := btcec.ParsePubKey(tx.PublicKey)
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(tx.Signature)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	if !sig.Verify(tx.Digest(), pub) {
		return ErrBadSignature
	}
	return nil
}
