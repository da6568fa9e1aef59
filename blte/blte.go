// Package blte decodes the block-compressed container format (BLTE) used to
// transport every content blob in the pipeline: encoding tables, root
// manifests, install manifests, and archived file payloads.
//
// Decode is a pure function of its input — the same blob and expected size
// always produce the same output bytes, and it never mutates its argument.
package blte

import (
	"bytes"
	"compress/zlib"
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ngdp-go/tactcore/errs"
	"golang.org/x/crypto/salsa20/salsa"
)

// Magic is the fixed four-byte tag that begins every BLTE blob.
var Magic = [4]byte{'B', 'L', 'T', 'E'}

// Mode bytes identifying a chunk's payload encoding.
const (
	ModeRaw       = 'N'
	ModeZlib      = 'Z'
	ModeRecursive = 'F'
	ModeEncrypted = 'E'
)

// KeyProvider resolves a BLTE encryption key by its 8-byte key name. Key
// resolution is a host concern: the codec must remain usable with no
// KeyProvider at all, in which case every encrypted chunk soft-fails with
// Unsupported.
type KeyProvider interface {
	Key(keyName [8]byte) (key [32]byte, ok bool)
}

// ChunkInfo describes one entry of a framed blob's chunk table.
type ChunkInfo struct {
	EncodedSize uint32
	DecodedSize uint32
	Checksum    [16]byte
}

const chunkInfoSize = 4 + 4 + 16

// Decode parses and fully decodes a BLTE blob. expectedDecodedSize, when
// nonzero, must equal the length of the concatenated decoded chunks;
// mismatch is reported as Corrupt. keys may be nil when the caller does not
// support decryption.
func Decode(blob []byte, expectedDecodedSize uint32, keys KeyProvider) ([]byte, error) {
	const op = "blte.Decode"
	if len(blob) < 8 || !bytes.Equal(blob[:4], Magic[:]) {
		return nil, errs.Corruptf(op, "missing BLTE magic")
	}
	headerSize := binary.BigEndian.Uint32(blob[4:8])

	var out bytes.Buffer
	if expectedDecodedSize != 0 {
		out.Grow(int(expectedDecodedSize))
	}

	if headerSize == 0 {
		// Unframed: the remainder of the blob is a single chunk with no
		// checksum to verify.
		if err := decodeChunk(blob[8:], 0, nil, keys, &out, op); err != nil {
			return nil, err
		}
	} else {
		if len(blob) < int(headerSize) {
			return nil, errs.Corruptf(op, "header size %d exceeds blob length %d", headerSize, len(blob))
		}
		header := blob[8:headerSize]
		if len(header) < 4 {
			return nil, errs.Corruptf(op, "truncated chunk table header")
		}
		if header[0] != 0x0F {
			return nil, errs.Corruptf(op, "unexpected chunk table flag byte 0x%02x", header[0])
		}
		chunkCount := int(header[1])<<16 | int(header[2])<<8 | int(header[3])
		table := header[4:]
		if len(table) < chunkCount*chunkInfoSize {
			return nil, errs.Corruptf(op, "truncated chunk table: need %d entries", chunkCount)
		}
		infos := make([]ChunkInfo, chunkCount)
		for i := range infos {
			rec := table[i*chunkInfoSize : (i+1)*chunkInfoSize]
			infos[i] = ChunkInfo{
				EncodedSize: binary.BigEndian.Uint32(rec[0:4]),
				DecodedSize: binary.BigEndian.Uint32(rec[4:8]),
			}
			copy(infos[i].Checksum[:], rec[8:24])
		}

		cursor := int(headerSize)
		for i, info := range infos {
			if cursor+int(info.EncodedSize) > len(blob) {
				return nil, errs.Corruptf(op, "chunk %d overruns blob (need %d bytes at offset %d, have %d)", i, info.EncodedSize, cursor, len(blob))
			}
			encoded := blob[cursor : cursor+int(info.EncodedSize)]
			sum := md5.Sum(encoded)
			if sum != info.Checksum {
				return nil, errs.Corruptf(op, "chunk %d checksum mismatch", i)
			}
			if err := decodeChunk(encoded, uint32(i), &info, keys, &out, op); err != nil {
				return nil, err
			}
			cursor += int(info.EncodedSize)
		}
	}

	decoded := out.Bytes()
	if expectedDecodedSize != 0 && uint32(len(decoded)) != expectedDecodedSize {
		return nil, errs.Corruptf(op, "decoded size %d does not match expected %d", len(decoded), expectedDecodedSize)
	}
	return decoded, nil
}

// decodeChunk decodes a single chunk's encoded payload (mode byte + body)
// and appends the decoded bytes to out. info is nil for the unframed (single
// chunk, headerSize==0) case.
func decodeChunk(encoded []byte, chunkIndex uint32, info *ChunkInfo, keys KeyProvider, out *bytes.Buffer, op string) error {
	if len(encoded) == 0 {
		return errs.Corruptf(op, "empty chunk payload")
	}
	mode := encoded[0]
	body := encoded[1:]

	switch mode {
	case ModeRaw:
		out.Write(body)
		return nil

	case ModeZlib:
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return errs.Corruptf(op, "zlib header: %v", err)
		}
		defer zr.Close()
		if _, err := io.Copy(out, zr); err != nil {
			return errs.Corruptf(op, "zlib decompress: %v", err)
		}
		return nil

	case ModeRecursive:
		var inner uint32
		if info != nil {
			inner = info.DecodedSize
		}
		decoded, err := Decode(body, inner, keys)
		if err != nil {
			return err
		}
		out.Write(decoded)
		return nil

	case ModeEncrypted:
		plain, err := decodeEncrypted(body, chunkIndex, keys, op)
		if err != nil {
			return err
		}
		// The plaintext is itself a chunk payload (mode byte + body), possibly
		// another encrypted or compressed layer.
		return decodeChunk(plain, chunkIndex, info, keys, out, op)

	default:
		return errs.New(op, errs.Unsupported, fmt.Errorf("unknown chunk mode 0x%02x", mode))
	}
}

// decodeEncrypted parses the {keyNameLen, keyName, ivLen, iv, encType,
// ciphertext} layout and decrypts it. A missing key is an Unsupported error,
// distinct from Corrupt, and it fails the whole Decode call. No caller in
// this module retries with another eKey: build and the tactcore extract
// commands decode only an entry's first eKey.
func decodeEncrypted(payload []byte, chunkIndex uint32, keys KeyProvider, op string) ([]byte, error) {
	if len(payload) < 1 {
		return nil, errs.Corruptf(op, "truncated encrypted chunk")
	}
	keyNameLen := int(payload[0])
	payload = payload[1:]
	if len(payload) < keyNameLen+1 {
		return nil, errs.Corruptf(op, "truncated encrypted chunk key name")
	}
	var keyName [8]byte
	copy(keyName[:], payload[:keyNameLen])
	payload = payload[keyNameLen:]

	ivLen := int(payload[0])
	payload = payload[1:]
	if ivLen > 8 || len(payload) < ivLen+1 {
		return nil, errs.Corruptf(op, "invalid encrypted chunk iv length %d", ivLen)
	}
	var ivField [8]byte
	copy(ivField[:], payload[:ivLen])
	payload = payload[ivLen:]

	encType := payload[0]
	ciphertext := payload[1:]

	if keys == nil {
		return nil, errs.New(op, errs.Unsupported, fmt.Errorf("missing key: no KeyProvider configured"))
	}
	key, ok := keys.Key(keyName)
	if !ok {
		return nil, errs.New(op, errs.Unsupported, fmt.Errorf("missing key: key name %x not available", keyName))
	}

	// The full 64-bit IV is the 8-byte IV field XORed in its low bytes with
	// the chunk's zero-based index, little-endian.
	iv := ivField
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], uint64(chunkIndex))
	for i := range iv {
		iv[i] ^= idx[i]
	}

	switch encType {
	case 'S':
		return salsa20Decrypt(key, iv, ciphertext), nil
	case 'A':
		return arc4Decrypt(key, ciphertext)
	default:
		return nil, errs.New(op, errs.Unsupported, fmt.Errorf("unknown encryption type 0x%02x", encType))
	}
}

func salsa20Decrypt(key [32]byte, iv [8]byte, ciphertext []byte) []byte {
	out := make([]byte, len(ciphertext))
	var nonce [8]byte
	copy(nonce[:], iv[:])
	salsa.XORKeyStream(out, ciphertext, &nonce, &key)
	return out
}

func arc4Decrypt(key [32]byte, ciphertext []byte) ([]byte, error) {
	c, err := rc4.NewCipher(key[:16])
	if err != nil {
		return nil, fmt.Errorf("arc4: %w", err)
	}
	out := make([]byte, len(ciphertext))
	c.XORKeyStream(out, ciphertext)
	return out, nil
}
