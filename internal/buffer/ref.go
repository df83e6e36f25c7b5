package buffer

import (
	"golang.org/x/sys/unix"
)

// Kind distinguishes the two payload carriers a Ref can wrap.
type Kind uint8

const (
	// KindMemory is a fixed-size slab buffer owned by a pool segment.
	KindMemory Kind = iota
	// KindFile wraps a file descriptor for sendfile egress. The Ref owns
	// the descriptor and closes it on final release.
	KindFile
)

// Ref is a reference-counted handle over one packet buffer. A Ref is a
// member of at most one intrusive list at a time (pool free list, send
// queue, pending-completion queue, FCC pending list, or a receive batch);
// the single next pointer is reused by whichever list currently owns it.
type Ref struct {
	kind Kind

	// Memory kind.
	data []byte
	seg  *segment

	// File kind.
	fd       int
	fileOff  int64
	FileSent int64

	off    int // consumed prefix; grows monotonically during partial sends
	length int

	refcnt int32

	next *Ref

	// Transient per-send state: id of the zero-copy send this Ref was
	// last fully submitted under.
	ZCID uint32

	// Transient receive state, filled by BatchRecv when the caller asked
	// for peer addresses.
	Peer unix.RawSockaddrInet6
}

// Kind returns the payload kind.
func (r *Ref) Kind() Kind { return r.kind }

// FD returns the wrapped descriptor of a file Ref.
func (r *Ref) FD() int { return r.fd }

// FileOffset returns the starting file offset of a file Ref.
func (r *Ref) FileOffset() int64 { return r.fileOff }

// Bytes returns the unconsumed payload of a memory Ref.
func (r *Ref) Bytes() []byte { return r.data[r.off : r.off+r.Remaining()] }

// Payload returns the full payload of a memory Ref, ignoring the consumed
// prefix. Ingress parsers use this; egress uses Bytes.
func (r *Ref) Payload() []byte { return r.data[:r.length] }

// Cap returns the writable capacity of a memory Ref.
func (r *Ref) Cap() []byte { return r.data }

// Len returns the payload length.
func (r *Ref) Len() int { return r.length }

// SetLen sets the payload length after a receive or an in-place write.
func (r *Ref) SetLen(n int) { r.length = n }

// Offset returns the consumed prefix length.
func (r *Ref) Offset() int { return r.off }

// Advance consumes n more bytes from the front after a partial send.
func (r *Ref) Advance(n int) {
	if n < 0 || r.off+n > r.length {
		panic("buffer: advance out of range")
	}
	r.off += n
}

// Remaining returns the unsent byte count. For file Refs this is the file
// span not yet handed to sendfile.
func (r *Ref) Remaining() int {
	if r.kind == KindFile {
		return r.length - int(r.FileSent)
	}
	return r.length - r.off
}

// Next returns the list successor, if any.
func (r *Ref) Next() *Ref { return r.next }

// SetNext links a successor. The caller must be the list that currently
// owns the Ref.
func (r *Ref) SetNext(n *Ref) { r.next = n }

// Refcount is exposed for invariant checks in tests.
func (r *Ref) Refcount() int32 { return r.refcnt }
