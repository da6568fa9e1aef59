package blte

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"testing"

	"github.com/ngdp-go/tactcore/errs"
	"github.com/stretchr/testify/require"
)

func TestDecodeUnframed(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Magic[:])
	binary.Write(&buf, binary.BigEndian, uint32(0))
	buf.WriteByte(ModeRaw)
	buf.WriteString("hello")

	got, err := Decode(buf.Bytes(), 5, nil)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func chunkEntry(payload []byte) (encoded []byte, info ChunkInfo) {
	encoded = append([]byte{ModeRaw}, payload...)
	info = ChunkInfo{
		EncodedSize: uint32(len(encoded)),
		DecodedSize: uint32(len(payload)),
		Checksum:    md5.Sum(encoded),
	}
	return
}

func buildFramed(t *testing.T, chunks [][]byte) []byte {
	t.Helper()
	encodedChunks := make([][]byte, len(chunks))
	infos := make([]ChunkInfo, len(chunks))
	for i, c := range chunks {
		encodedChunks[i], infos[i] = chunkEntry(c)
	}

	var tableBuf bytes.Buffer
	tableBuf.WriteByte(0x0F)
	n := len(chunks)
	tableBuf.Write([]byte{byte(n >> 16), byte(n >> 8), byte(n)})
	for _, info := range infos {
		binary.Write(&tableBuf, binary.BigEndian, info.EncodedSize)
		binary.Write(&tableBuf, binary.BigEndian, info.DecodedSize)
		tableBuf.Write(info.Checksum[:])
	}

	headerSize := uint32(8 + tableBuf.Len())

	var out bytes.Buffer
	out.Write(Magic[:])
	binary.Write(&out, binary.BigEndian, headerSize)
	out.Write(tableBuf.Bytes())
	for _, ec := range encodedChunks {
		out.Write(ec)
	}
	return out.Bytes()
}

func TestDecodeFramedTwoChunks(t *testing.T) {
	blob := buildFramed(t, [][]byte{[]byte("foo"), []byte("bar")})
	got, err := Decode(blob, 6, nil)
	require.NoError(t, err)
	require.Equal(t, "foobar", string(got))
}

func TestDecodeFramedCorruption(t *testing.T) {
	blob := buildFramed(t, [][]byte{[]byte("foo"), []byte("bar")})
	// Flip a byte inside the second chunk's payload.
	corrupt := append([]byte(nil), blob...)
	corrupt[len(corrupt)-1] ^= 0xFF

	_, err := Decode(corrupt, 6, nil)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Corrupt))
}

func TestDecodeUnknownMode(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Magic[:])
	binary.Write(&buf, binary.BigEndian, uint32(0))
	buf.WriteByte('X')
	buf.WriteString("junk")

	_, err := Decode(buf.Bytes(), 4, nil)
	require.True(t, errs.Is(err, errs.Unsupported))
}

func TestDecodeDeterministic(t *testing.T) {
	blob := buildFramed(t, [][]byte{[]byte("abc"), []byte("defgh")})
	a, err := Decode(blob, 8, nil)
	require.NoError(t, err)
	b, err := Decode(blob, 8, nil)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestDecodeEncryptedMissingKeyIsSoftError(t *testing.T) {
	var body bytes.Buffer
	body.WriteByte(8) // keyNameLen
	body.Write(make([]byte, 8))
	body.WriteByte(8) // ivLen
	body.Write(make([]byte, 8))
	body.WriteByte('S')
	body.WriteString("ciphertext")

	chunk := append([]byte{ModeEncrypted}, body.Bytes()...)
	info := ChunkInfo{EncodedSize: uint32(len(chunk)), DecodedSize: 10, Checksum: md5.Sum(chunk)}

	var table bytes.Buffer
	table.WriteByte(0x0F)
	table.Write([]byte{0, 0, 1})
	binary.Write(&table, binary.BigEndian, info.EncodedSize)
	binary.Write(&table, binary.BigEndian, info.DecodedSize)
	table.Write(info.Checksum[:])

	headerSize := uint32(8 + table.Len())
	var blob bytes.Buffer
	blob.Write(Magic[:])
	binary.Write(&blob, binary.BigEndian, headerSize)
	blob.Write(table.Bytes())
	blob.Write(chunk)

	_, err := Decode(blob.Bytes(), 10, nil)
	require.True(t, errs.Is(err, errs.Unsupported))
}
