package record

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/MikhailWahib/caskdb/internal/shared"
)

// Encode serializes r into a freshly allocated buffer and stamps the checksum.
func Encode(r Record) []byte {
	keyLen := len(r.Key)
	valueLen := len(r.Value)

	buf := make([]byte, HeaderSize+keyLen+valueLen+KindSize)

	binary.LittleEndian.PutUint64(buf[4:12], r.Timestamp)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(keyLen))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(valueLen))
	copy(buf[HeaderSize:], r.Key)
	if valueLen > 0 {
		copy(buf[HeaderSize+keyLen:], r.Value)
	}
	buf[len(buf)-1] = byte(r.Kind)

	binary.LittleEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(buf[ChecksumSize:]))
	return buf
}

// DecodeHeader parses the fixed-size prefix of buf. It does not verify the checksum.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short header: %d bytes", shared.ErrCorrupted, len(buf))
	}

	return Header{
		Checksum:  binary.LittleEndian.Uint32(buf[0:4]),
		Timestamp: binary.LittleEndian.Uint64(buf[4:12]),
		KeyLen:    binary.LittleEndian.Uint64(buf[12:20]),
		ValueLen:  binary.LittleEndian.Uint64(buf[20:28]),
	}, nil
}

// Decode parses the record at the start of buf and verifies its checksum.
// Key and Value alias buf.
func Decode(buf []byte) (Record, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Record{}, err
	}

	total, err := h.size(int64(len(buf)))
	if err != nil {
		return Record{}, err
	}
	buf = buf[:total]

	keyEnd := HeaderSize + int64(h.KeyLen)
	kind := Kind(buf[total-KindSize])
	if !kind.Valid() {
		return Record{}, fmt.Errorf("%w: unknown kind %#x", shared.ErrCorrupted, byte(kind))
	}

	if sum := crc32.ChecksumIEEE(buf[ChecksumSize:]); sum != h.Checksum {
		return Record{}, fmt.Errorf("%w: checksum mismatch: stored=%08x computed=%08x", shared.ErrCorrupted, h.Checksum, sum)
	}

	return Record{
		Timestamp: h.Timestamp,
		Key:       buf[HeaderSize:keyEnd],
		Value:     buf[keyEnd : total-KindSize],
		Kind:      kind,
	}, nil
}

// size validates the lengths in h against the number of bytes available
// and returns the full record length.
func (h Header) size(available int64) (int64, error) {
	if available < 0 || h.KeyLen > uint64(available) || h.ValueLen > uint64(available) {
		return 0, fmt.Errorf("%w: record lengths key=%d value=%d exceed %d available bytes", shared.ErrCorrupted, h.KeyLen, h.ValueLen, available)
	}

	total := Size(int64(h.KeyLen), int64(h.ValueLen))
	if total > available {
		return 0, fmt.Errorf("%w: record needs %d bytes, %d available", shared.ErrCorrupted, total, available)
	}
	return total, nil
}
