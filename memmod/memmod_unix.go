//go:build unix

package memmod

import "golang.org/x/sys/unix"

func hostPageSize() uint64 {
	return uint64(unix.Getpagesize())
}

func allocate(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func release(mem []byte) error {
	return unix.Munmap(mem)
}

// protect applies prot to the host pages. Execute permission is recorded by
// the Space but never granted: mapped images are data to this process.
func protect(mem []byte, prot Prot) error {
	host := unix.PROT_NONE
	if prot&ProtRead != 0 {
		host |= unix.PROT_READ
	}
	if prot&ProtWrite != 0 {
		host |= unix.PROT_WRITE
	}
	return unix.Mprotect(mem, host)
}
