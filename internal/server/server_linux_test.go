//go:build linux

package server

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func TestListenAndClose(t *testing.T) {
	fd, err := listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer unix.Close(fd)

	// A second listener on the same explicit port must succeed thanks to
	// SO_REUSEPORT.
	sa, err := unix.Getsockname(fd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	port := sa.(*unix.SockaddrInet4).Port
	fd2, err := listen(sockaddrString(sa))
	if err != nil {
		t.Fatalf("second listener on port %d: %v", port, err)
	}
	unix.Close(fd2)
}

func TestListenRejectsBadAddrs(t *testing.T) {
	for _, addr := range []string{"", "nohost", "host.example:80", ":notaport"} {
		if fd, err := listen(addr); err == nil {
			unix.Close(fd)
			t.Errorf("accepted %q", addr)
		}
	}
}

func TestIsRTCP(t *testing.T) {
	cases := []struct {
		pt   byte
		want bool
	}{
		{200, true}, // SR
		{205, true}, // transport feedback (FCC control)
		{207, true},
		{33, false},        // MP2T RTP
		{33 | 0x80, false}, // RTP with marker
	}
	for _, c := range cases {
		if got := isRTCP([]byte{0x80, c.pt}); got != c.want {
			t.Errorf("isRTCP(pt=%d) = %v, want %v", c.pt, got, c.want)
		}
	}
	if isRTCP([]byte{0x80}) {
		t.Errorf("short packet classified as RTCP")
	}
}

func TestRawPeerAddr(t *testing.T) {
	var raw unix.RawSockaddrInet6
	sa4 := (*unix.RawSockaddrInet4)(unsafe.Pointer(&raw))
	sa4.Family = unix.AF_INET
	sa4.Addr = [4]byte{198, 51, 100, 5}
	addr, ok := rawPeerAddr(&raw)
	if !ok || addr.String() != "198.51.100.5" {
		t.Fatalf("ipv4 peer %v ok=%v", addr, ok)
	}

	raw = unix.RawSockaddrInet6{Family: unix.AF_INET6}
	raw.Addr[15] = 1
	addr, ok = rawPeerAddr(&raw)
	if !ok || addr.String() != "::1" {
		t.Fatalf("ipv6 peer %v ok=%v", addr, ok)
	}

	raw = unix.RawSockaddrInet6{}
	if _, ok := rawPeerAddr(&raw); ok {
		t.Fatalf("unset family decoded")
	}
}

func TestBindHost(t *testing.T) {
	if got := bindHost(":5140"); got != "localhost:5140" {
		t.Errorf("bindHost(\":5140\") = %q", got)
	}
	if got := bindHost("10.0.0.1:5140"); got != "10.0.0.1:5140" {
		t.Errorf("bindHost passthrough = %q", got)
	}
}
