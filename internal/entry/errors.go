package entry

import "errors"

var (
	ErrTruncated = errors.New("not enough bytes to decode a log entry")
	ErrTrailerCRC = errors.New("trailing checksum does not match the entry bytes")
	ErrBadLength = errors.New("framed entry length does not match the decoded body")
	ErrUnknownTag = errors.New("body tag is not a recognised variant")
	ErrFieldTooLarge = errors.New("length-prefixed field exceeds the maximum permitted size")
	ErrChainBroken = errors.New("prev_hash does not match the hash of the preceding entry")
	ErrBadSeq = errors.New("sequence number is not one greater than the preceding entry")
	ErrPayloadMismatch = errors.New("re-serialized body does not reproduce the bytes payload_hash was computed over")
)
