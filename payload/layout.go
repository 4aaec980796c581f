// Package payload decodes proof fields out of raw minerstate_commit payloads.
//
// Offsets index into the hex encoded payload string returned by the
// transaction history endpoint. They are format constants, not derived: a new
// payload version is a new Layout in Table.
package payload

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Span is a half-open hex-character range [Start, End).
type Span struct {
	Start int
	End   int
}

func (s Span) Len() int { return s.End - s.Start }

// ByteLen is the number of payload bytes the span covers.
func (s Span) ByteLen() int { return s.Len() / 2 }

// Layout locates the preimage and proof inside one payload format.
type Layout struct {
	Name     string
	Preimage Span
	Proof    Span
}

// MinLen is the shortest hex payload this layout can decode.
func (l Layout) MinLen() int {
	if l.Proof.End > l.Preimage.End {
		return l.Proof.End
	}
	return l.Preimage.End
}

// Versioned decoding table.
var (
	// Genesis commits carry extra fields ahead of the preimage.
	GenesisV1 = Layout{Name: "genesis/v1", Preimage: Span{168, 2216}, Proof: Span{2224, 4996}}
	CommitV1  = Layout{Name: "commit/v1", Preimage: Span{164, 228}, Proof: Span{236, 3008}}
)

// Table maps a payload kind to its current layout.
type Table struct {
	Genesis Layout
	Commit  Layout
}

// DefaultTable is the layout set used by the current network.
var DefaultTable = Table{Genesis: GenesisV1, Commit: CommitV1}

// For returns the layout for the commit at height.
func (t Table) For(height uint64) Layout {
	if height == 0 {
		return t.Genesis
	}
	return t.Commit
}

var ErrShortPayload = errors.New("payload shorter than layout")

// Fields are the proof bytes recovered from a payload.
type Fields struct {
	Preimage []byte
	Proof    []byte
}

// Decode extracts the preimage and proof from a hex payload.
func (l Layout) Decode(hexPayload string) (*Fields, error) {
	if len(hexPayload) < l.MinLen() {
		return nil, fmt.Errorf("%s: need %d hex chars, have %d: %w",
			l.Name, l.MinLen(), len(hexPayload), ErrShortPayload)
	}
	preimage, err := hex.DecodeString(hexPayload[l.Preimage.Start:l.Preimage.End])
	if err != nil {
		return nil, fmt.Errorf("%s preimage: %w", l.Name, err)
	}
	proof, err := hex.DecodeString(hexPayload[l.Proof.Start:l.Proof.End])
	if err != nil {
		return nil, fmt.Errorf("%s proof: %w", l.Name, err)
	}
	return &Fields{Preimage: preimage, Proof: proof}, nil
}

// Encode builds a hex payload in this layout. Bytes outside the two spans
// are filled from header (repeated) so simulated chains produce payloads the
// decoder accepts. preimage and proof must match the span sizes exactly.
func (l Layout) Encode(header []byte, preimage, proof []byte) (string, error) {
	if len(preimage) != l.Preimage.ByteLen() {
		return "", fmt.Errorf("%s: preimage is %d bytes, layout wants %d", l.Name, len(preimage), l.Preimage.ByteLen())
	}
	if len(proof) != l.Proof.ByteLen() {
		return "", fmt.Errorf("%s: proof is %d bytes, layout wants %d", l.Name, len(proof), l.Proof.ByteLen())
	}
	buf := make([]byte, l.MinLen()/2)
	if len(header) > 0 {
		for i := range buf {
			buf[i] = header[i%len(header)]
		}
	}
	copy(buf[l.Preimage.Start/2:], preimage)
	copy(buf[l.Proof.Start/2:], proof)
	return hex.EncodeToString(buf), nil
}
