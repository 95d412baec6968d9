package wal

import "errors"

// OpType identifies the index mutation an entry records.
type OpType uint8

const (
	OpUpsertNode OpType = iota + 1
	OpDeleteNode
	OpUpsertAcl
	OpDeleteAcl
	OpContent
	// OpCommit marks every preceding entry as durable.
	OpCommit
	// OpPurge drops every entity of one kind.
	OpPurge
)

// compressedFlag is set on the op byte when the payload is snappy encoded.
const compressedFlag = 0x80

// headerSize is [LSN:8][Op:1][DataLen:4]; trailerSize is [Checksum:4][Timestamp:8].
const (
	headerSize  = 13
	trailerSize = 12
)

// maxEntrySize guards replay against a corrupt length field.
const maxEntrySize = 64 << 20

var (
	ErrClosed   = errors.New("wal: journal closed")
	ErrTooLarge = errors.New("wal: entry exceeds maximum size")
)

// Entry is one journal record. Data is always the decoded payload.
type Entry struct {
	LSN       uint64
	OpType    OpType
	Data      []byte
	Timestamp int64
}

// Options configures a journal.
type Options struct {
	// Compress snappy-encodes payloads. Entries written with and without
	// compression can be mixed in one file.
	Compress bool
	// FileName defaults to "index.journal".
	FileName string
}

// Stats reports journal activity since open.
type Stats struct {
	Entries           uint64
	Commits           uint64
	BytesUncompressed uint64
	BytesWritten      uint64
	TruncatedTail     int64
}
