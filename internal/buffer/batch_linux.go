//go:build linux

package buffer

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmsghdr mirrors struct mmsghdr. The trailing pad keeps the layout right
// on 64-bit kernels.
type mmsghdr struct {
	hdr unix.Msghdr
	n   uint32
	_   [4]byte
}

// batchState is scratch for one recvmmsg call, reused across batches so the
// receive path allocates nothing beyond the pool buffers themselves.
type batchState struct {
	msgs  [MaxRecvBatch]mmsghdr
	iovs  [MaxRecvBatch]unix.Iovec
	addrs [MaxRecvBatch]unix.RawSockaddrInet6
}

var discard [Size]byte

// BatchRecv pulls up to MaxRecvBatch datagrams from fd in one recvmmsg
// call, each into a freshly allocated buffer. The buffers come back as a
// next-linked chain with data lengths set and, when savePeer is true, peer
// addresses recorded. On pool exhaustion the kernel queue is drained into a
// discard buffer so a level-triggered loop does not spin; every drained
// datagram counts as a drop.
func (p *Pool) BatchRecv(fd int, savePeer bool, st *BatchState) (head *Ref, received, dropped int, err error) {
	head, n := p.AllocBatch(MaxRecvBatch)
	if n == 0 {
		dropped = p.drain(fd)
		p.Drops += uint64(dropped)
		if dropped > 0 {
			p.log.Debug("pool: exhausted, draining", "fd", fd, "dropped", dropped)
		}
		return nil, 0, dropped, nil
	}

	bufs := &st.s
	i := 0
	for r := head; r != nil; r = r.next {
		iov := &bufs.iovs[i]
		iov.Base = &r.data[0]
		iov.SetLen(len(r.data))

		m := &bufs.msgs[i]
		m.hdr = unix.Msghdr{}
		m.hdr.Iov = iov
		m.hdr.SetIovlen(1)
		if savePeer {
			bufs.addrs[i] = unix.RawSockaddrInet6{}
			m.hdr.Name = (*byte)(unsafe.Pointer(&bufs.addrs[i]))
			m.hdr.Namelen = uint32(unsafe.Sizeof(bufs.addrs[i]))
		}
		i++
	}

	rn, _, errno := unix.Syscall6(unix.SYS_RECVMMSG,
		uintptr(fd),
		uintptr(unsafe.Pointer(&bufs.msgs[0])),
		uintptr(n),
		uintptr(unix.MSG_DONTWAIT),
		0, 0)
	if errno != 0 {
		p.PutChain(head)
		if errno == unix.EAGAIN || errno == unix.EINTR {
			return nil, 0, 0, nil
		}
		return nil, 0, 0, errno
	}
	received = int(rn)

	// Record lengths and peers on the received prefix, release the rest.
	r := head
	for j := 0; j < received; j++ {
		r.length = int(bufs.msgs[j].n)
		if savePeer {
			r.Peer = bufs.addrs[j]
		}
		if j == received-1 {
			rest := r.next
			r.next = nil
			p.PutChain(rest)
		}
		r = r.next
	}
	if received == 0 {
		p.PutChain(head)
		return nil, 0, 0, nil
	}
	return head, received, 0, nil
}

// drain pulls and discards datagrams until the socket would block.
func (p *Pool) drain(fd int) int {
	n := 0
	for {
		_, _, err := unix.Recvfrom(fd, discard[:], unix.MSG_DONTWAIT)
		if err != nil {
			return n
		}
		n++
	}
}

// BatchState holds the per-worker recvmmsg scratch. One instance is shared
// by every ingress socket of a worker; the loop is single-threaded so no
// two receives overlap.
type BatchState struct {
	s batchState
}
