// Package record defines the on-disk layout of a single log entry and its checksum.
//
// Every record is laid out as
//
//	[checksum:4][timestamp:8][key_len:8][value_len:8][key][value][kind:1]
//
// with all integers little-endian. The checksum is a CRC-32 (IEEE) over every
// byte that follows it, so timestamp, lengths, key, value and kind are all covered.
package record

// ChecksumSize is the size in bytes of the CRC-32 prefix
const ChecksumSize = 4

// TimestampSize is the size in bytes of the logical write time
const TimestampSize = 8

// LengthSize is the size in bytes used to store each length prefix
const LengthSize = 8

// KindSize is the size in bytes of the trailing kind marker
const KindSize = 1

// HeaderSize is the fixed prefix before the key bytes (checksum + timestamp + key length + value length)
const HeaderSize = ChecksumSize + TimestampSize + (2 * LengthSize) // 28 bytes

// Size returns the full encoded length of a record with the given key and value lengths.
func Size(keyLen, valueLen int64) int64 {
	return HeaderSize + keyLen + valueLen + KindSize
}

// ValueOffset returns the file offset of the value bytes for a record that starts at recordStart.
func ValueOffset(recordStart, keyLen int64) int64 {
	return recordStart + HeaderSize + keyLen
}

// RecordStart is the inverse of ValueOffset.
func RecordStart(valueOffset, keyLen int64) int64 {
	return valueOffset - HeaderSize - keyLen
}
