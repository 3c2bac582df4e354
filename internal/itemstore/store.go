// Package itemstore implements the bounded-memory item store: a doubly-linked
// list of variable-size records, newest at the head and oldest at the tail,
// with a running total of the bytes charged for every live record.
//
// The store is not safe for concurrent use.
package itemstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"allocbench/internal/alloc"
	"allocbench/internal/logging"
)

var (
	// ErrAllocationFailure wraps an allocator error raised by InsertFront.
	ErrAllocationFailure = errors.New("memory allocation fail")
	// ErrInvalidSize is returned for negative or over-maximum record sizes.
	ErrInvalidSize = errors.New("invalid record size")
	// ErrDoubleRelease is returned when a record is released twice.
	ErrDoubleRelease = errors.New("record already released")
	// ErrStillLinked is returned when releasing a record the store still holds.
	ErrStillLinked = errors.New("record still held by store")
	// ErrPayloadCorruption is returned when a payload changed while held.
	ErrPayloadCorruption = errors.New("payload corruption")
	// ErrCorrupt is returned by Check when list or accounting invariants fail.
	ErrCorrupt = errors.New("item store corrupt")
)

// Config holds configuration for Store
type Config struct {
	// MaxItemSize bounds the logical size accepted by InsertFront, 0 for no bound.
	MaxItemSize int
	// VerifyPayload fingerprints each payload on insert and checks it on release.
	VerifyPayload bool
}

// Store owns every record it holds until EvictOldest hands it back.
type Store struct {
	alloc alloc.Allocator
	cfg   Config

	head      *Record // newest
	tail      *Record // oldest
	count     int
	bytesHeld int64
}

// New creates an empty store drawing record buffers from a.
func New(a alloc.Allocator, cfg Config) *Store {
	return &Store{alloc: a, cfg: cfg}
}

// Len returns the number of records held - O(1)
func (s *Store) Len() int {
	return s.count
}

// BytesHeld returns the bytes charged for all held records - O(1)
func (s *Store) BytesHeld() int64 {
	return s.bytesHeld
}

// Newest returns the most recently inserted record, nil when empty.
func (s *Store) Newest() *Record {
	return s.head
}

// Oldest returns the eviction candidate, nil when empty.
func (s *Store) Oldest() *Record {
	return s.tail
}

// Allocator returns the allocator records are drawn from.
func (s *Store) Allocator() alloc.Allocator {
	return s.alloc
}

// InsertFront allocates a record of the given logical size, fills its payload
// and links it as the newest element - O(1)
func (s *Store) InsertFront(size int) (*Record, error) {
	if size < 0 || (s.cfg.MaxItemSize > 0 && size > s.cfg.MaxItemSize) {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrInvalidSize, size, s.cfg.MaxItemSize)
	}

	itemLen := size + Overhead
	buf, err := s.alloc.Alloc(itemLen)
	if err != nil {
		return nil, fmt.Errorf("%w: item_len=%d: %w", ErrAllocationFailure, itemLen, err)
	}

	r := &Record{size: size, buf: buf}
	Fill(r.Payload())
	if s.cfg.VerifyPayload {
		r.digest = r.fingerprint()
	}

	r.next = s.head
	if s.head != nil {
		s.head.prev = r
	}
	s.head = r
	if s.tail == nil {
		s.tail = r
	}
	r.linked = true

	s.count++
	s.bytesHeld += r.Charged()
	return r, nil
}

// EvictOldest unlinks and returns the oldest record, or false when the store
// is empty. The caller owns the record and must Release it - O(1)
func (s *Store) EvictOldest() (*Record, bool) {
	r := s.tail
	if r == nil {
		return nil, false
	}

	s.tail = r.prev
	if s.tail != nil {
		s.tail.next = nil
	} else {
		s.head = nil
	}
	r.prev, r.next = nil, nil
	r.linked = false

	s.count--
	s.bytesHeld -= r.Charged()
	return r, true
}

// Release returns an evicted record's buffer to the allocator.
func (s *Store) Release(r *Record) error {
	if r.linked {
		return ErrStillLinked
	}
	if r.buf == nil {
		return ErrDoubleRelease
	}

	if s.cfg.VerifyPayload {
		if got := r.fingerprint(); got != r.digest {
			return fmt.Errorf("%w: size=%d digest=%x want=%x", ErrPayloadCorruption, r.size, got, r.digest)
		}
	}

	buf := r.buf
	r.buf = nil
	if err := s.alloc.Free(buf); err != nil {
		return fmt.Errorf("free item_len=%d: %w", len(buf), err)
	}
	return nil
}

// DrainAll evicts and releases every record. Draining an empty store is a
// no-op. Release failures do not stop the drain, they are returned together.
func (s *Store) DrainAll() error {
	var result *multierror.Error
	drained, failed := 0, 0
	for {
		r, ok := s.EvictOldest()
		if !ok {
			break
		}
		drained++
		if err := s.Release(r); err != nil {
			result = multierror.Append(result, err)
			failed++
		}
	}

	if drained > 0 && logging.DebugEnabled() {
		logging.Debug(context.Background(), logging.ComponentStore, logging.ActionDrain, "Store drained", map[string]interface{}{
			"records": drained,
			"errors":  failed,
		})
	}
	return result.ErrorOrNil()
}

// Check walks the whole list and verifies link consistency, the record count
// and byte accounting. It is O(n) and meant for tests and paranoid runs.
func (s *Store) Check() error {
	if (s.head == nil) != (s.tail == nil) {
		return fmt.Errorf("%w: head=%p tail=%p", ErrCorrupt, s.head, s.tail)
	}
	if s.head == nil {
		if s.count != 0 || s.bytesHeld != 0 {
			return fmt.Errorf("%w: empty list with count=%d bytes_held=%d", ErrCorrupt, s.count, s.bytesHeld)
		}
		return nil
	}
	if s.head.prev != nil || s.tail.next != nil {
		return fmt.Errorf("%w: dangling link at list end", ErrCorrupt)
	}

	var (
		n     int
		total int64
		prev  *Record
	)
	for r := s.head; r != nil; r = r.next {
		if r.prev != prev {
			return fmt.Errorf("%w: broken back link at position %d", ErrCorrupt, n)
		}
		if !r.linked || r.buf == nil {
			return fmt.Errorf("%w: released record held at position %d", ErrCorrupt, n)
		}
		n++
		total += r.Charged()
		prev = r
		if n > s.count {
			return fmt.Errorf("%w: list longer than count=%d", ErrCorrupt, s.count)
		}
	}
	if prev != s.tail {
		return fmt.Errorf("%w: tail is not the last record", ErrCorrupt)
	}
	if n != s.count {
		return fmt.Errorf("%w: walked %d records, count=%d", ErrCorrupt, n, s.count)
	}
	if total != s.bytesHeld {
		return fmt.Errorf("%w: walked %d bytes, bytes_held=%d", ErrCorrupt, total, s.bytesHeld)
	}
	return nil
}
