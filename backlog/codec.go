package backlog

import (
	"errors"
	"fmt"
	"time"

	"tower/types"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the stored entry. Append only.
const (
	fieldHeight      protowire.Number = 1
	fieldPrevHash    protowire.Number = 2
	fieldPreimage    protowire.Number = 3
	fieldProof       protowire.Number = 4
	fieldElapsed     protowire.Number = 5
	fieldDifficulty  protowire.Number = 6
	fieldSecurity    protowire.Number = 7
	fieldAttempts    protowire.Number = 8
	fieldLastFailure protowire.Number = 9
	fieldState       protowire.Number = 10
	fieldCreatedAt   protowire.Number = 11
	fieldUpdatedAt   protowire.Number = 12
)

func marshalEntry(e *types.BacklogEntry) []byte {
	r := e.Record
	var b []byte
	b = appendVarint(b, fieldHeight, r.Height)
	b = appendBytes(b, fieldPrevHash, r.PreviousProofHash)
	b = appendBytes(b, fieldPreimage, r.Preimage)
	b = appendBytes(b, fieldProof, r.Proof)
	b = appendVarint(b, fieldElapsed, r.ElapsedSecs)
	b = appendVarint(b, fieldDifficulty, r.Difficulty)
	b = appendVarint(b, fieldSecurity, r.Security)
	b = appendVarint(b, fieldAttempts, uint64(e.Attempts))
	if e.LastFailure != "" {
		b = protowire.AppendTag(b, fieldLastFailure, protowire.BytesType)
		b = protowire.AppendString(b, e.LastFailure)
	}
	b = appendVarint(b, fieldState, uint64(e.State))
	b = appendVarint(b, fieldCreatedAt, uint64(e.CreatedAt.UnixNano()))
	b = appendVarint(b, fieldUpdatedAt, uint64(e.UpdatedAt.UnixNano()))
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

var errBadEntry = errors.New("malformed backlog entry")

func unmarshalEntry(b []byte) (*types.BacklogEntry, error) {
	r := &types.ProofRecord{}
	e := &types.BacklogEntry{Record: r}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errBadEntry, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", errBadEntry, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldHeight:
				r.Height = v
			case fieldElapsed:
				r.ElapsedSecs = v
			case fieldDifficulty:
				r.Difficulty = v
			case fieldSecurity:
				r.Security = v
			case fieldAttempts:
				e.Attempts = uint32(v)
			case fieldState:
				e.State = types.BacklogState(v)
			case fieldCreatedAt:
				e.CreatedAt = time.Unix(0, int64(v))
			case fieldUpdatedAt:
				e.UpdatedAt = time.Unix(0, int64(v))
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", errBadEntry, num, protowire.ParseError(n))
			}
			b = b[n:]
			cp := append([]byte(nil), v...)
			switch num {
			case fieldPrevHash:
				r.PreviousProofHash = cp
			case fieldPreimage:
				r.Preimage = cp
			case fieldProof:
				r.Proof = cp
			case fieldLastFailure:
				e.LastFailure = string(cp)
			}
		default:
			// unknown wire type from a newer writer: skip it
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", errBadEntry, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return e, nil
}
