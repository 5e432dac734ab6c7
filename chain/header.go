package chain

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Tapyrus replaced Bitcoin's proof-of-work header (fixed 80 bytes, bits and
// nonce) with a proof-of-federation-signature header: the bits/nonce fields
// are gone, an immutable merkle root and an extensible "xfield" were added,
// and the block is closed by a variable-length aggregate Schnorr signature
// rather than a fixed nonce. The header is therefore variable length and
// must be framed by a length-prefixed xfield and proof, not read as a flat
// 80-byte array the way bitcoin.BlockHeader is.

// XFieldType identifies the payload carried in a BlockHeader's extensible
// field.
type XFieldType byte

const (
	XFieldNone               XFieldType = 0x00
	XFieldAggregatePublicKey XFieldType = 0x01
	XFieldMaxBlockSize       XFieldType = 0x02
)

// BlockHeader is a decoded Tapyrus block header.
type BlockHeader struct {
	Version      int32
	PrevBlock    Hash256
	MerkleRoot   Hash256
	ImMerkleRoot Hash256
	Timestamp    time.Time
	XFieldType   XFieldType
	XField       []byte
	Proof        []byte // aggregate signature over the header's own hash
}

// headerFixedSize is the length of every field up to and including the
// timestamp: 4 (version) + 32*3 (hashes) + 4 (timestamp).
const headerFixedSize = 4 + 32*3 + 4

// ErrTruncatedHeader is returned when fewer bytes than the header declares
// are available.
var ErrTruncatedHeader = errors.New("truncated block header")

// DecodeBlockHeader parses a Tapyrus block header from r, returning the
// header and the number of bytes consumed.
func DecodeBlockHeader(r io.Reader) (*BlockHeader, int, error) {
	cr := &countingReader{r: r}

	var fixed [headerFixedSize]byte
	if _, err := io.ReadFull(cr, fixed[:]); err != nil {
		return nil, cr.n, fmt.Errorf("%w: %w", ErrTruncatedHeader, err)
	}

	bh := &BlockHeader{
		Version: int32(binary.LittleEndian.Uint32(fixed[0:4])),
	}
	copy(bh.PrevBlock[:], fixed[4:36])
	copy(bh.MerkleRoot[:], fixed[36:68])
	copy(bh.ImMerkleRoot[:], fixed[68:100])
	bh.Timestamp = time.Unix(int64(binary.LittleEndian.Uint32(fixed[100:104])), 0).UTC()

	xt, err := readByte(cr)
	if err != nil {
		return nil, cr.n, fmt.Errorf("%w: xfield type: %w", ErrTruncatedHeader, err)
	}
	bh.XFieldType = XFieldType(xt)

	xfield, err := readVarBytes(cr)
	if err != nil {
		return nil, cr.n, fmt.Errorf("%w: xfield: %w", ErrTruncatedHeader, err)
	}
	bh.XField = xfield

	proof, err := readVarBytes(cr)
	if err != nil {
		return nil, cr.n, fmt.Errorf("%w: proof: %w", ErrTruncatedHeader, err)
	}
	bh.Proof = proof

	return bh, cr.n, nil
}

// DecodeBlockHeaderBytes is a convenience wrapper over DecodeBlockHeader for
// callers that already hold the header in memory (e.g. from an RPC
// response).
func DecodeBlockHeaderBytes(b []byte) (*BlockHeader, error) {
	bh, n, err := DecodeBlockHeader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, fmt.Errorf("%d trailing bytes after header", len(b)-n)
	}
	return bh, nil
}

// Encode serializes the header back to wire format; round-tripping through
// Encode/DecodeBlockHeader must reproduce the input exactly since Hash
// depends on it.
func (bh *BlockHeader) Encode(w io.Writer) error {
	var fixed [headerFixedSize]byte
	binary.LittleEndian.PutUint32(fixed[0:4], uint32(bh.Version))
	copy(fixed[4:36], bh.PrevBlock[:])
	copy(fixed[36:68], bh.MerkleRoot[:])
	copy(fixed[68:100], bh.ImMerkleRoot[:])
	binary.LittleEndian.PutUint32(fixed[100:104], uint32(bh.Timestamp.Unix()))
	if _, err := w.Write(fixed[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(bh.XFieldType)}); err != nil {
		return err
	}
	if err := writeVarBytes(w, bh.XField); err != nil {
		return err
	}
	return writeVarBytes(w, bh.Proof)
}

// Bytes serializes the header to a freshly allocated slice.
func (bh *BlockHeader) Bytes() []byte {
	var buf bytes.Buffer
	// Encode on a fixed-format struct never errors.
	_ = bh.Encode(&buf)
	return buf.Bytes()
}

// Hash returns the double-SHA256 block hash, computed over the full
// variable-length serialized header, Proof included.
func (bh *BlockHeader) Hash() Hash256 {
	return chainhash.DoubleHashH(bh.Bytes())
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// readVarInt decodes a bitcoin CompactSize integer.
func readVarInt(r io.Reader) (uint64, error) {
	b, err := readByte(r)
	if err != nil {
		return 0, err
	}
	switch b {
	case 0xff:
		var v [8]byte
		if _, err := io.ReadFull(r, v[:]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(v[:]), nil
	case 0xfe:
		var v [4]byte
		if _, err := io.ReadFull(r, v[:]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32(v[:])), nil
	case 0xfd:
		var v [2]byte
		if _, err := io.ReadFull(r, v[:]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16(v[:])), nil
	default:
		return uint64(b), nil
	}
}

func writeVarInt(w io.Writer, v uint64) error {
	switch {
	case v < 0xfd:
		_, err := w.Write([]byte{byte(v)})
		return err
	case v <= 0xffff:
		b := make([]byte, 3)
		b[0] = 0xfd
		binary.LittleEndian.PutUint16(b[1:], uint16(v))
		_, err := w.Write(b)
		return err
	case v <= 0xffffffff:
		b := make([]byte, 5)
		b[0] = 0xfe
		binary.LittleEndian.PutUint32(b[1:], uint32(v))
		_, err := w.Write(b)
		return err
	default:
		b := make([]byte, 9)
		b[0] = 0xff
		binary.LittleEndian.PutUint64(b[1:], v)
		_, err := w.Write(b)
		return err
	}
}

const maxVarBytes = 32 * 1024 * 1024

func readVarBytes(r io.Reader) ([]byte, error) {
	n, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if n > maxVarBytes {
		return nil, fmt.Errorf("var bytes length %d exceeds sanity limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeVarBytes(w io.Writer, b []byte) error {
	if err := writeVarInt(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}
