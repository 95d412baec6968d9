// Package wal is the index journal: an append-only, checksummed log of index
// mutations with explicit commit markers. Entries after the last commit
// marker are discarded on replay, so a crash between apply and commit
// leaves the index exactly as of the previous commit.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
)

// Journal is safe for concurrent use, though the index serializes writers.
type Journal struct {
	mu      sync.Mutex
	path    string
	opts    Options
	file    *os.File
	writer  *bufio.Writer
	lsn     uint64
	pending int
	stats   Stats
	closed  bool
}

// Open opens or creates the journal in dir. Everything after the last commit
// marker, whether torn, corrupt or merely uncommitted, is cut off so that a
// later commit can never adopt entries from before a crash.
func Open(dir string, opts Options) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	if opts.FileName == "" {
		opts.FileName = "index.journal"
	}
	path := filepath.Join(dir, opts.FileName)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{path: path, opts: opts, file: file}

	valid, lastLSN, err := scan(file, nil)
	if err != nil {
		file.Close()
		return nil, err
	}
	size, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return nil, err
	}
	if size > valid {
		if err := file.Truncate(valid); err != nil {
			file.Close()
			return nil, fmt.Errorf("truncate torn journal tail: %w", err)
		}
		j.stats.TruncatedTail = size - valid
	}
	if _, err := file.Seek(valid, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}

	j.lsn = lastLSN
	j.writer = bufio.NewWriter(file)
	return j, nil
}

// Append buffers an entry and returns its LSN. It is not durable until Commit.
func (j *Journal) Append(op OpType, data []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}
	if len(data) > maxEntrySize {
		return 0, ErrTooLarge
	}
	if err := j.write(op, data); err != nil {
		return 0, err
	}
	j.pending++
	return j.lsn, nil
}

// Commit writes a commit marker, flushes and fsyncs. It returns the number of
// bytes the commit made durable.
func (j *Journal) Commit() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}
	before := j.writer.Buffered()
	if err := j.write(OpCommit, nil); err != nil {
		return 0, err
	}
	written := j.writer.Buffered() - before
	if err := j.writer.Flush(); err != nil {
		return 0, fmt.Errorf("flush journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("sync journal: %w", err)
	}
	j.stats.Commits++
	j.pending = 0
	return written, nil
}

// write must be called with mu held.
func (j *Journal) write(op OpType, data []byte) error {
	payload := data
	flag := byte(0)
	if j.opts.Compress && len(data) > 0 {
		payload = snappy.Encode(nil, data)
		flag = compressedFlag
	}

	j.lsn++
	var header [headerSize]byte
	binary.BigEndian.PutUint64(header[0:8], j.lsn)
	header[8] = byte(op) | flag
	binary.BigEndian.PutUint32(header[9:13], uint32(len(payload)))

	var trailer [trailerSize]byte
	binary.BigEndian.PutUint32(trailer[0:4], crc32.ChecksumIEEE(payload))
	binary.BigEndian.PutUint64(trailer[4:12], uint64(time.Now().Unix()))

	for _, chunk := range [][]byte{header[:], payload, trailer[:]} {
		if _, err := j.writer.Write(chunk); err != nil {
			j.lsn--
			return fmt.Errorf("write journal entry: %w", err)
		}
	}

	j.stats.Entries++
	j.stats.BytesUncompressed += uint64(len(data))
	j.stats.BytesWritten += uint64(headerSize + len(payload) + trailerSize)
	return nil
}

// Replay calls fn for every committed entry in order. Commit markers are not
// passed to fn. Uncommitted entries at the tail are skipped.
func (j *Journal) Replay(fn func(Entry) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}

	f, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer f.Close()

	var batch []Entry
	_, _, err = scan(f, func(e Entry) error {
		if e.OpType != OpCommit {
			batch = append(batch, e)
			return nil
		}
		for _, pending := range batch {
			if err := fn(pending); err != nil {
				return err
			}
		}
		batch = batch[:0]
		return nil
	})
	return err
}

// Reset discards every entry, e.g. before a full re-index.
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	j.writer.Reset(j.file)
	if err := j.file.Truncate(0); err != nil {
		return err
	}
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	j.lsn = 0
	j.pending = 0
	return j.file.Sync()
}

// LSN returns the last assigned sequence number.
func (j *Journal) LSN() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lsn
}

func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

// Close flushes buffered entries without committing them and closes the file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	flushErr := j.writer.Flush()
	return errors.Join(flushErr, j.file.Close())
}

// scan reads entries from the start of f, calling fn for each valid one.
// It stops at EOF or at the first torn or corrupt entry and returns the
// offset just past the last commit marker together with that marker's LSN.
// Errors returned by fn abort the scan.
func scan(f *os.File, fn func(Entry) error) (int64, uint64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}
	r := bufio.NewReader(f)

	var (
		offset    int64
		committed int64
		lastLSN   uint64
		header    [headerSize]byte
		trailer   [trailerSize]byte
	)
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return committed, lastLSN, nil
		}
		size := binary.BigEndian.Uint32(header[9:13])
		if size > maxEntrySize {
			return committed, lastLSN, nil
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return committed, lastLSN, nil
		}
		if _, err := io.ReadFull(r, trailer[:]); err != nil {
			return committed, lastLSN, nil
		}
		if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(trailer[0:4]) {
			return committed, lastLSN, nil
		}

		opByte := header[8]
		data := payload
		if opByte&compressedFlag != 0 {
			decoded, err := snappy.Decode(nil, payload)
			if err != nil {
				return committed, lastLSN, nil
			}
			data = decoded
		}

		entry := Entry{
			LSN:       binary.BigEndian.Uint64(header[0:8]),
			OpType:    OpType(opByte &^ compressedFlag),
			Data:      data,
			Timestamp: int64(binary.BigEndian.Uint64(trailer[4:12])),
		}
		if fn != nil {
			if err := fn(entry); err != nil {
				return committed, lastLSN, err
			}
		}
		offset += int64(headerSize + int(size) + trailerSize)
		if entry.OpType == OpCommit {
			committed = offset
			lastLSN = entry.LSN
		}
	}
}
