package entry

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

// Frame encodes e using the on-disk framing:
//
//	| length: u32 LE | body_bytes | entry_hash: 32 bytes | trailing_crc: u32 LE |
//
// body_bytes is the canonical encoding of the full entry record, including
// committer_signature (what must actually be durable); entry_hash is the
// chain hash used to validate prev_hash linkage on replay; trailing_crc
// covers entry_hash and prev_hash, giving the Sequencer's staging step
// a cheap integrity check that doesn't require re-deriving the chain hash.
func Frame(e *Entry) ([]byte, error) {
	entryHash, err := ComputeHash(e)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	writeU64(&body, e.Seq)
	writeHash(&body, e.PrevHash)
	writeHash(&body, e.PayloadHash)
	writeByte(&body, byte(e.Body.Tag()))
	bodyBytes, err := e.Body.MarshalBody()
	if err != nil {
		return nil, err
	}
	writeBytes(&body, bodyBytes)
	writeU64(&body, e.TimestampLogical)
	body.Write(e.CommitterSignature[:])

	var crcInput bytes.Buffer
	crcInput.Write(entryHash[:])
	crcInput.Write(e.PrevHash[:])
	trailingCRC := crc32.ChecksumIEEE(crcInput.Bytes())

	var out bytes.Buffer
	writeU32(&out, uint32(body.Len()))
	out.Write(body.Bytes())
	out.Write(entryHash[:])
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], trailingCRC)
	out.Write(crcBuf[:])

	return out.Bytes(), nil
}

// Unframe decodes one framed entry from the head of data, returning the
// entry, its own chain hash as recorded in the frame, and the number of
// bytes consumed. It validates the trailing CRC and that the embedded
// entry_hash matches a fresh recomputation, but does NOT check linkage to a
// predecessor — that is the caller's job (the sequencer's recovery and
// VerifyRange / the reducer).
func Unframe(data []byte) (*Entry, Hash, int, error) {
	if len(data) < 4 {
		return nil, Hash{}, 0, ErrTruncated
	}
	length := binary.LittleEndian.Uint32(data[:4])
	total := 4 + int(length) + 32 + 4
	if len(data) < total {
		return nil, Hash{}, 0, ErrTruncated
	}

	bodyBytes := data[4 : 4+int(length)]
	frameHash := data[4+int(length) : 4+int(length)+32]
	trailingCRC := binary.LittleEndian.Uint32(data[4+int(length)+32 : total])

	r := newReader(bodyBytes)
	seq, err := r.u64()
	if err != nil {
		return nil, Hash{}, 0, err
	}
	prevHash, err := r.hash()
	if err != nil {
		return nil, Hash{}, 0, err
	}
	payloadHash, err := r.hash()
	if err != nil {
		return nil, Hash{}, 0, err
	}
	tagByte, err := r.byte()
	if err != nil {
		return nil, Hash{}, 0, err
	}
	rawBody, err := r.bytes()
	if err != nil {
		return nil, Hash{}, 0, err
	}
	tsLogical, err := r.u64()
	if err != nil {
		return nil, Hash{}, 0, err
	}
	sigBytes, err := readFixed(r, 64)
	if err != nil {
		return nil, Hash{}, 0, err
	}

	body, err := DecodeBody(Tag(tagByte), rawBody)
	if err != nil {
		return nil, Hash{}, 0, err
	}

	var sig Signature
	copy(sig[:], sigBytes)

	e := &Entry{
		Seq: seq,
		PrevHash: prevHash,
		PayloadHash: payloadHash,
		Body: body,
		TimestampLogical: tsLogical,
		CommitterSignature: sig,
	}

	var entryHash Hash
	copy(entryHash[:], frameHash)

	recomputed, err := ComputeHash(e)
	if err != nil {
		return nil, Hash{}, 0, err
	}
	if recomputed != entryHash {
		return nil, Hash{}, 0, ErrChainBroken
	}

	var crcInput bytes.Buffer
	crcInput.Write(entryHash[:])
	crcInput.Write(prevHash[:])
	if crc32.ChecksumIEEE(crcInput.Bytes()) != trailingCRC {
		return nil, Hash{}, 0, ErrTrailerCRC
	}

	return e, entryHash, total, nil
}
