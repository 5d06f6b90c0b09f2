package record

import (
	"bufio"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/MikhailWahib/caskdb/internal/shared"
)

// Entry describes one record found by a Scanner. The value itself is not
// kept; it is read later from ValueOffset when needed.
type Entry struct {
	Header
	Key    []byte
	Kind   Kind
	Offset int64 // start of the record in the segment
}

// ValueOffset returns the file offset of the entry's value bytes.
func (e Entry) ValueOffset() int64 {
	return ValueOffset(e.Offset, int64(e.KeyLen))
}

// Size returns the full encoded length of the entry.
func (e Entry) Size() int64 {
	return Size(int64(e.KeyLen), int64(e.ValueLen))
}

// Scanner walks a segment from offset 0, verifying every checksum.
// Value bytes are streamed through the checksum and never held in memory.
//
//	sc := record.NewScanner(f, size)
//	for sc.Next() {
//		e := sc.Entry()
//		...
//	}
//	if err := sc.Err(); err != nil {
//		// sc.Offset() is where replay stopped
//	}
type Scanner struct {
	r      *bufio.Reader
	size   int64
	offset int64
	crc    hash.Hash32
	entry  Entry
	err    error
}

// NewScanner returns a Scanner over the first size bytes of r.
func NewScanner(r io.ReaderAt, size int64) *Scanner {
	return &Scanner{
		r:    bufio.NewReaderSize(io.NewSectionReader(r, 0, size), 64*1024),
		size: size,
		crc:  crc32.NewIEEE(),
	}
}

// Next advances to the next record. It returns false at the end of the
// segment or at the first record that cannot be decoded.
func (s *Scanner) Next() bool {
	if s.err != nil {
		return false
	}

	remaining := s.size - s.offset
	if remaining == 0 {
		return false
	}
	if remaining < HeaderSize+KindSize {
		s.err = fmt.Errorf("%w: torn record at offset %d: %d trailing bytes", shared.ErrCorrupted, s.offset, remaining)
		return false
	}

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(s.r, hdr[:]); err != nil {
		s.err = fmt.Errorf("%w: read header at offset %d: %w", shared.ErrIO, s.offset, err)
		return false
	}

	h, _ := DecodeHeader(hdr[:])
	total, err := h.size(remaining)
	if err != nil {
		s.err = fmt.Errorf("record at offset %d: %w", s.offset, err)
		return false
	}

	key := make([]byte, h.KeyLen)
	if _, err := io.ReadFull(s.r, key); err != nil {
		s.err = fmt.Errorf("%w: read key at offset %d: %w", shared.ErrIO, s.offset, err)
		return false
	}

	s.crc.Reset()
	s.crc.Write(hdr[ChecksumSize:])
	s.crc.Write(key)
	if _, err := io.CopyN(s.crc, s.r, int64(h.ValueLen)); err != nil {
		s.err = fmt.Errorf("%w: read value at offset %d: %w", shared.ErrIO, s.offset, err)
		return false
	}

	kind, err := s.r.ReadByte()
	if err != nil {
		s.err = fmt.Errorf("%w: read kind at offset %d: %w", shared.ErrIO, s.offset, err)
		return false
	}
	s.crc.Write([]byte{kind})

	if sum := s.crc.Sum32(); sum != h.Checksum {
		s.err = fmt.Errorf("%w: checksum mismatch at offset %d: stored=%08x computed=%08x", shared.ErrCorrupted, s.offset, h.Checksum, sum)
		return false
	}
	if !Kind(kind).Valid() {
		s.err = fmt.Errorf("%w: unknown kind %#x at offset %d", shared.ErrCorrupted, kind, s.offset)
		return false
	}

	s.entry = Entry{Header: h, Key: key, Kind: Kind(kind), Offset: s.offset}
	s.offset += total
	return true
}

// Entry returns the record found by the last successful call to Next.
func (s *Scanner) Entry() Entry {
	return s.entry
}

// Err returns the error that stopped the scan, or nil if the end of the
// segment was reached cleanly.
func (s *Scanner) Err() error {
	return s.err
}

// Offset returns the end of the last valid record. After a failed scan it is
// the offset of the record that could not be decoded.
func (s *Scanner) Offset() int64 {
	return s.offset
}
