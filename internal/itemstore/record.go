package itemstore

import "github.com/cespare/xxhash/v2"

// Overhead is the fixed bookkeeping cost charged for every record on top of
// its payload: two list links and a length, padded to 8-byte alignment.
const Overhead = 24

// Record is one variable-length item. Its buffer is a single allocation of
// Size()+Overhead bytes, a header region followed by the payload.
type Record struct {
	prev *Record
	next *Record
	size int
	buf  []byte

	digest uint64
	linked bool
}

// Size returns the logical payload length.
func (r *Record) Size() int {
	return r.size
}

// Charged returns the bytes this record counts against the budget.
func (r *Record) Charged() int64 {
	return int64(r.size + Overhead)
}

// Payload returns the record's payload bytes, nil once released.
func (r *Record) Payload() []byte {
	if r.buf == nil {
		return nil
	}
	return r.buf[Overhead:]
}

// Released reports whether the record's buffer went back to the allocator.
func (r *Record) Released() bool {
	return r.buf == nil
}

func (r *Record) fingerprint() uint64 {
	return xxhash.Sum64(r.Payload())
}
