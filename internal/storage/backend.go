// Package storage defines the narrow HAL boundary the Sequencer writes
// through and the single in-scope implementation of it: a local filesystem
// append log with fsync barriers.
//
// The boundary is a single Backend interface covering appending, tip
// publication, reading, and truncation.
package storage

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/datatrails/go-datatrails-axiom/internal/entry"
)

// Backend is the HAL-facing contract for durable log storage. Exactly one implementation is in scope for
// this core: LocalFile. A second backend is never wired onto the commit
// path — the Snapshot Archiver (internal/archiver) is a distinct,
// post-commit, best-effort collaborator against a different interface.
type Backend interface {
	// AppendStaged writes framed entry bytes to the staging region and
	// flushes them durably before returning.
	AppendStaged(framed []byte) (offset int64, err error)

	// PublishTip atomically swaps the tip record to point at (seq, hash),
	// using the alternating dual-record torn-write protection and flushes.
	PublishTip(rec TipRecord) error

	// ReadTip returns the most recently published tip record, recovering
	// it from whichever of the two alternating slots validates.
	ReadTip() (TipRecord, bool, error)

	// ReadAt reads up to maxBytes of framed entry data starting at byte
	// offset in the staging region, for replay and verify_range; maxBytes
	// <= 0 reads to the end of the staging region.
	ReadAt(offset int64, maxBytes int) ([]byte, error)

	// Truncate discards everything at or beyond offset — used during
	// startup recovery to drop a staged-but-never-published entry.
	Truncate(offset int64) error

	// Close releases the underlying file handles.
	Close() error
}

// TipRecord names the most recently committed entry. SchemaVersion is pinned at Genesis.schema_version and bumped only
// on a log-format change.
type TipRecord struct {
	SchemaVersion uint16
	LastSeq uint64
	LastHash entry.Hash
	// StageOffset is the byte offset in the staging region immediately
	// after the last published entry; new appends begin here, and recovery
	// truncates anything beyond it that did not make it into a published
	// tip record.
	StageOffset int64
}

const tipMagic uint32 = 0x41584d31 // "AXM1"

// tipRecordSize is the on-disk size of one tip slot: magic(4) + schema(2) +
// last_seq(8) + last_hash(32) + stage_offset(8) + crc(4).
const tipRecordSize = 4 + 2 + 8 + 32 + 8 + 4

func marshalTipRecord(rec TipRecord) []byte {
	buf := make([]byte, tipRecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], tipMagic)
	binary.LittleEndian.PutUint16(buf[4:6], rec.SchemaVersion)
	binary.LittleEndian.PutUint64(buf[6:14], rec.LastSeq)
	copy(buf[14:46], rec.LastHash[:])
	binary.LittleEndian.PutUint64(buf[46:54], uint64(rec.StageOffset))
	crc := crc32.ChecksumIEEE(buf[:54])
	binary.LittleEndian.PutUint32(buf[54:58], crc)
	return buf
}

func unmarshalTipRecord(buf []byte) (TipRecord, bool) {
	if len(buf) != tipRecordSize {
		return TipRecord{}, false
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != tipMagic {
		return TipRecord{}, false
	}
	crc := binary.LittleEndian.Uint32(buf[54:58])
	if crc32.ChecksumIEEE(buf[:54]) != crc {
		return TipRecord{}, false
	}
	var rec TipRecord
	rec.SchemaVersion = binary.LittleEndian.Uint16(buf[4:6])
	rec.LastSeq = binary.LittleEndian.Uint64(buf[6:14])
	copy(rec.LastHash[:], buf[14:46])
	rec.StageOffset = int64(binary.LittleEndian.Uint64(buf[46:54]))
	return rec, true
}
