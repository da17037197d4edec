package storage

import "errors"

var (
	ErrTipCorrupt = errors.New("neither tip record validates: the log store is unrecoverable without manual intervention")
	ErrStorageFull = errors.New("storage backend rejected the write: device or quota exhausted")
	ErrTornWrite = errors.New("tip record failed its checksum: a write was interrupted before completion")
)
