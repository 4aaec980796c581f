package payload

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutSizes(t *testing.T) {
	assert.Equal(t, 32, CommitV1.Preimage.ByteLen())
	assert.Equal(t, 1386, CommitV1.Proof.ByteLen())
	assert.Equal(t, 1024, GenesisV1.Preimage.ByteLen())
	assert.Equal(t, 1386, GenesisV1.Proof.ByteLen())
	assert.Equal(t, 4996, GenesisV1.MinLen())
	assert.Equal(t, 3008, CommitV1.MinLen())
}

func TestTableFor(t *testing.T) {
	assert.Equal(t, GenesisV1, DefaultTable.For(0))
	assert.Equal(t, CommitV1, DefaultTable.For(1))
	assert.Equal(t, CommitV1, DefaultTable.For(212))
}

func TestEncodeDecode(t *testing.T) {
	for _, l := range []Layout{GenesisV1, CommitV1} {
		t.Run(l.Name, func(t *testing.T) {
			preimage := bytes.Repeat([]byte{0xab}, l.Preimage.ByteLen())
			proof := bytes.Repeat([]byte{0x01, 0x02}, l.Proof.ByteLen()/2)

			hexPayload, err := l.Encode([]byte{0xee}, preimage, proof)
			require.NoError(t, err)
			require.Len(t, hexPayload, l.MinLen())

			fields, err := l.Decode(hexPayload)
			require.NoError(t, err)
			assert.Equal(t, preimage, fields.Preimage)
			assert.Equal(t, proof, fields.Proof)
		})
	}
}

func TestDecodeIgnoresTrailingBytes(t *testing.T) {
	preimage := make([]byte, 32)
	proof := make([]byte, 1386)
	proof[0] = 0x7f
	hexPayload, err := CommitV1.Encode(nil, preimage, proof)
	require.NoError(t, err)

	fields, err := CommitV1.Decode(hexPayload + "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, byte(0x7f), fields.Proof[0])
}

func TestDecodeShortPayload(t *testing.T) {
	_, err := CommitV1.Decode("00ff")
	require.ErrorIs(t, err, ErrShortPayload)
}

func TestDecodeBadHex(t *testing.T) {
	bad := bytes.Repeat([]byte("zz"), CommitV1.MinLen()/2)
	_, err := CommitV1.Decode(string(bad))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrShortPayload)
}

func TestEncodeRejectsWrongSizes(t *testing.T) {
	_, err := CommitV1.Encode(nil, make([]byte, 31), make([]byte, 1386))
	require.Error(t, err)
	_, err = CommitV1.Encode(nil, make([]byte, 32), make([]byte, 10))
	require.Error(t, err)
}
