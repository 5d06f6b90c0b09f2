package record

import "fmt"

// Kind tells a live write apart from a deletion marker
type Kind byte

const (
	// Put indicates a key-value write. An empty value is still a Put.
	Put Kind = '0'
	// Tombstone indicates a logical deletion of the key
	Tombstone Kind = '1'
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == Put || k == Tombstone
}

func (k Kind) String() string {
	switch k {
	case Put:
		return "put"
	case Tombstone:
		return "tombstone"
	default:
		return fmt.Sprintf("kind(%#x)", byte(k))
	}
}

// Header is the fixed-size prefix of an encoded record
type Header struct {
	Checksum  uint32
	Timestamp uint64
	KeyLen    uint64
	ValueLen  uint64
}

// Record is one write or delete event as it is stored in a segment
type Record struct {
	Timestamp uint64
	Key       []byte
	Value     []byte
	Kind      Kind
}

// Size returns the encoded length of r.
func (r Record) Size() int64 {
	return Size(int64(len(r.Key)), int64(len(r.Value)))
}
