package wsclient

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func fixedRNG(seed byte) func([]byte) (int, error) {
	return func(p []byte) (int, error) {
		for i := range p {
			p[i] = seed + byte(i)
		}
		return len(p), nil
	}
}

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		f    *Frame
	}{
		{"empty text", &Frame{Fin: true, Opcode: OpText}},
		{"small binary", &Frame{Fin: true, Opcode: OpBinary, Payload: []byte("hello")}},
		{"len126", &Frame{Fin: true, Opcode: OpBinary, Payload: bytes.Repeat([]byte{'a'}, 126)}},
		{"len65536", &Frame{Fin: true, Opcode: OpBinary, Payload: bytes.Repeat([]byte{'b'}, 65536)}},
		{"control ping", &Frame{Fin: true, Opcode: OpPing, Payload: []byte("ping")}},
		{"rsv1 set", &Frame{Fin: true, Rsv1: true, Opcode: OpBinary, Payload: []byte{1, 2, 3}}},
		{"continuation", &Frame{Fin: false, Opcode: OpContinuation, Payload: []byte("part")}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := encodeFrame(tc.f, fixedRNG(7))
			require.NoError(t, err)

			decoded, err := decodeFrame(bytes.NewReader(unmaskForDecodeTest(encoded)), 0)
			require.NoError(t, err)

			if diff := cmp.Diff(tc.f, decoded, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// unmaskForDecodeTest strips the mask bit and unmasks the payload in place,
// since decodeFrame (mirroring a client's behavior) rejects masked frames:
// it is only ever used to decode server-to-client traffic.
func unmaskForDecodeTest(b []byte) []byte {
	out := append([]byte(nil), b...)
	masked := out[1]&0x80 != 0
	if !masked {
		return out
	}
	out[1] &^= 0x80

	lenIndicator := out[1] & 0x7f
	pos := 2
	switch lenIndicator {
	case payloadLen16Code:
		pos = 4
	case payloadLen64Code:
		pos = 10
	}
	key := out[pos : pos+4]
	payload := out[pos+4:]
	for i := range payload {
		payload[i] ^= key[i%4]
	}
	return append(out[:pos], payload...)
}

func TestDecodeFrameRejectsMaskedServerFrame(t *testing.T) {
	f := &Frame{Fin: true, Opcode: OpText, Payload: []byte("x")}
	encoded, err := encodeFrame(f, fixedRNG(1))
	require.NoError(t, err)

	_, err = decodeFrame(bytes.NewReader(encoded), 0)
	require.Error(t, err)
	var wsErr *WSError
	require.ErrorAs(t, err, &wsErr)
	require.Equal(t, CodeFrameMasked, wsErr.Code)
}

func TestDecodeFrameTooLongPayload(t *testing.T) {
	header := []byte{0x82, 126, 0x00, 0x10} // binary, fin, 16-bit len = 16
	_, err := decodeFrame(bytes.NewReader(header), 8)
	require.Error(t, err)
	var wsErr *WSError
	require.ErrorAs(t, err, &wsErr)
	require.Equal(t, CodeTooLongPayload, wsErr.Code)
}

func TestEncodeFrameRejectsOversizedControlFrame(t *testing.T) {
	f := &Frame{Fin: true, Opcode: OpPing, Payload: bytes.Repeat([]byte{'a'}, 126)}
	_, err := encodeFrame(f, fixedRNG(0))
	require.Error(t, err)
	var wsErr *WSError
	require.ErrorAs(t, err, &wsErr)
	require.Equal(t, CodeTooLongControlFramePayload, wsErr.Code)
}

func TestEncodeFrameRejectsFragmentedControlFrame(t *testing.T) {
	f := &Frame{Fin: false, Opcode: OpPing, Payload: []byte("x")}
	_, err := encodeFrame(f, fixedRNG(0))
	require.Error(t, err)
	var wsErr *WSError
	require.ErrorAs(t, err, &wsErr)
	require.Equal(t, CodeFragmentedControlFrame, wsErr.Code)
}

func TestBitLevelUtilities(t *testing.T) {
	data := []byte{0b10110010, 0b00000001}

	require.Equal(t, 0, getBit(data, 0))
	require.Equal(t, 1, getBit(data, 1))
	require.Equal(t, 1, getBit(data, 7))
	require.Equal(t, 1, getBit(data, 8))

	require.Equal(t, 0b010, getBits(data, 0, 3))
	require.Equal(t, 0b01101, getHuffmanBits(data, 3, 5))
}
