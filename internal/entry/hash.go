package entry

import (
	"bytes"
	"crypto/sha256"
)

// domainTag is the fixed 12-byte domain-separation prefix hashed ahead of
// every record.
var domainTag = [12]byte{'c', 'o', 'r', 'e', '-', 'l', 'o', 'g', '-', 'v', '1', 0}

// H is the core's canonical hash function: SHA-256 over the domain tag
// followed by the record bytes. It is pinned at Genesis.schema_version 1 and
// must never change without a schema bump.
func H(record []byte) Hash {
	h := sha256.New()
	h.Write(domainTag[:])
	h.Write(record)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// PayloadHash computes the payload_hash of a body: H of its canonical
// encoding.
func PayloadHash(b Body) (Hash, error) {
	buf, err := b.MarshalBody()
	if err != nil {
		return Hash{}, err
	}
	return H(buf), nil
}

// encodeForHash produces the canonical bytes of the full entry record
// *excluding* committer_signature, preserving the chaining invariant:
// prev_hash = H(entry_{n-1}) where H is computed over every field but the
// signature.
func encodeForHash(e *Entry) ([]byte, error) {
	var w bytes.Buffer
	writeU64(&w, e.Seq)
	writeHash(&w, e.PrevHash)
	writeHash(&w, e.PayloadHash)
	writeByte(&w, byte(e.Body.Tag()))
	bodyBytes, err := e.Body.MarshalBody()
	if err != nil {
		return nil, err
	}
	writeBytes(&w, bodyBytes)
	writeU64(&w, e.TimestampLogical)
	return w.Bytes(), nil
}

// ComputeHash returns the chain hash of e: the value the next entry's
// PrevHash must equal.
func ComputeHash(e *Entry) (Hash, error) {
	rec, err := encodeForHash(e)
	if err != nil {
		return Hash{}, err
	}
	return H(rec), nil
}

// BindSignRequest computes the commitment a PolicyDecision must carry for
// it to authorize a specific Key Service Sign call: the caller, the key
// path, and the hash of the message being signed. The Policy Engine never
// interprets this value, only carries it through from the proposal that
// produced the decision; the Key Service is the sole reader, and recomputes
// it from the live SignRequest to confirm the decision it was handed
// actually names this call and no other.
func BindSignRequest(caller Hash, keyPath [][]byte, messageHash Hash) Hash {
	var w bytes.Buffer
	writeHash(&w, caller)
	writeByteList(&w, keyPath)
	writeHash(&w, messageHash)
	return H(w.Bytes())
}

// VerifyPayloadHash re-serializes e.Body and checks it reproduces the bytes
// e.PayloadHash was computed over.
func VerifyPayloadHash(e *Entry) error {
	got, err := PayloadHash(e.Body)
	if err != nil {
		return err
	}
	if got != e.PayloadHash {
		return ErrPayloadMismatch
	}
	return nil
}
