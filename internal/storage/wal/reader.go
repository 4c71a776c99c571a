package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/arenx/tickstore/internal/storage/types"
)

// Reader reads tick records from WAL segment files. It tolerates a
// truncated or corrupt tail: replay returns everything up to the first
// bad record, which is the expected shape after a crash mid-write.
type Reader struct {
	file   *os.File
	reader *bufio.Reader
	path   string
}

// NewReader opens a WAL segment for reading and verifies its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	magic := binary.LittleEndian.Uint64(header[0:8])
	if magic != walMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic in %s: got %x", path, magic)
	}

	version := binary.LittleEndian.Uint32(header[8:12])
	if version != walVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version in %s: %d", path, version)
	}

	return &Reader{
		file:   f,
		reader: bufio.NewReader(f),
		path:   path,
	}, nil
}

// ReadRecord reads the next record. Returns io.EOF at a clean end of
// segment and ErrCorruptRecord when the record fails its checksum or is
// truncated.
func (r *Reader) ReadRecord() ([]types.Tick, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.reader, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ErrCorruptRecord
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	if length > maxRecordSize {
		return nil, ErrCorruptRecord
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.reader, payload); err != nil {
		return nil, ErrCorruptRecord
	}

	if crc32.ChecksumIEEE(payload) != expectedCRC {
		return nil, ErrCorruptRecord
	}

	ticks, err := decodeTicks(payload)
	if err != nil {
		return nil, ErrCorruptRecord
	}

	return ticks, nil
}

// ReadAll reads all intact records from the segment.
func (r *Reader) ReadAll() ([]types.Tick, error) {
	var all []types.Tick
	for {
		ticks, err := r.ReadRecord()
		if err == io.EOF {
			return all, nil
		}
		if errors.Is(err, ErrCorruptRecord) {
			// Everything before the corruption is valid.
			return all, nil
		}
		if err != nil {
			return all, err
		}
		all = append(all, ticks...)
	}
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.file.Close()
}

// ErrCorruptRecord indicates a record failed checksum or decode.
var ErrCorruptRecord = errors.New("corrupt wal record")

// maxRecordSize bounds a single record payload. A record larger than
// this is treated as corruption rather than attempted.
const maxRecordSize = 512 * 1024 * 1024

// ReadSegment reads all ticks from a single segment file.
func ReadSegment(path string) ([]types.Tick, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadAll()
}

// ReadAllSegments reads every segment in the directory in sequence
// order and returns the concatenated ticks.
func ReadAllSegments(dir string) ([]types.Tick, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	var all []types.Tick
	for _, s := range segments {
		ticks, err := ReadSegment(s.path)
		if err != nil {
			return nil, fmt.Errorf("read segment %s: %w", s.path, err)
		}
		all = append(all, ticks...)
	}

	return all, nil
}
