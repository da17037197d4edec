package storage

import (
	"fmt"
	"os"
	"sync"
)

// LocalFile is the one in-scope HAL implementation: a local append-only log
// file plus a two-slot tip file written with alternating records so a torn
// write to one slot never destroys both.
type LocalFile struct {
	mu sync.Mutex
	logFile *os.File
	tipFile *os.File
	nextSlot int // which of the two tip slots to write next
}

// OpenLocalFile opens (creating if necessary) the log and tip files rooted
// at dir. sequencer.Open recovers from it: it locates the durable tip and
// truncates any staged-but-unpublished tail before accepting new appends.
func OpenLocalFile(dir string) (*LocalFile, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	logFile, err := os.OpenFile(dir+"/axiom.log", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	tipFile, err := os.OpenFile(dir+"/axiom.tip", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening tip file: %w", err)
	}
	return &LocalFile{logFile: logFile, tipFile: tipFile}, nil
}

func (f *LocalFile) AppendStaged(framed []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	offset, err := f.logFile.Seek(0, os.SEEK_END)
	if err != nil {
		return 0, fmt.Errorf("seeking to log tail: %w", err)
	}
	if _, err := f.logFile.Write(framed); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	if err := f.logFile.Sync(); err != nil {
		return 0, fmt.Errorf("flushing staged entry: %w", err)
	}
	return offset, nil
}

func (f *LocalFile) PublishTip(rec TipRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := marshalTipRecord(rec)
	slotOffset := int64(f.nextSlot) * tipRecordSize
	if _, err := f.tipFile.WriteAt(buf, slotOffset); err != nil {
		return fmt.Errorf("writing tip slot %d: %w", f.nextSlot, err)
	}
	if err := f.tipFile.Sync(); err != nil {
		return fmt.Errorf("flushing tip slot %d: %w", f.nextSlot, err)
	}
	f.nextSlot = 1 - f.nextSlot
	return nil
}

// ReadTip returns the most recent valid tip record across both alternating
// slots. When both validate, the one with the greater LastSeq wins (it was
// written later, by construction of the alternating write order); when only
// one validates, it wins; when neither does, ok is false and the caller must
// treat the log as empty (only acceptable before any entry has ever been
// published) or fatal (ErrTipCorrupt) otherwise.
func (f *LocalFile) ReadTip() (TipRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var slots [2][]byte
	for i := range slots {
		buf := make([]byte, tipRecordSize)
		n, err := f.tipFile.ReadAt(buf, int64(i)*tipRecordSize)
		if err != nil && n != tipRecordSize {
			continue // short/missing read: slot never written, not an error
		}
		slots[i] = buf
	}

	rec0, ok0 := unmarshalTipRecord(slots[0])
	rec1, ok1 := unmarshalTipRecord(slots[1])

	switch {
	case ok0 && ok1:
		if rec1.LastSeq >= rec0.LastSeq {
			f.nextSlot = 0
			return rec1, true, nil
		}
		f.nextSlot = 1
		return rec0, true, nil
	case ok0:
		f.nextSlot = 1
		return rec0, true, nil
	case ok1:
		f.nextSlot = 0
		return rec1, true, nil
	default:
		return TipRecord{}, false, nil
	}
}

func (f *LocalFile) ReadAt(offset int64, maxBytes int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, err := f.logFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("statting log file: %w", err)
	}
	remaining := info.Size() - offset
	if remaining <= 0 {
		return nil, nil
	}
	if int64(maxBytes) > remaining || maxBytes <= 0 {
		maxBytes = int(remaining)
	}
	buf := make([]byte, maxBytes)
	n, err := f.logFile.ReadAt(buf, offset)
	if n == 0 {
		return nil, err
	}
	return buf[:n], nil
}

func (f *LocalFile) Truncate(offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.logFile.Truncate(offset); err != nil {
		return fmt.Errorf("truncating log tail: %w", err)
	}
	return f.logFile.Sync()
}

func (f *LocalFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err1 := f.logFile.Close()
	err2 := f.tipFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
