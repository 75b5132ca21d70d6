//go:build !unix

package memmod

import "unsafe"

const fallbackPageSize = 4096

func hostPageSize() uint64 {
	return fallbackPageSize
}

// allocate backs a region with word-aligned heap memory. Protection is only
// tracked by the Space on these platforms.
func allocate(size uint64) ([]byte, error) {
	words := make([]uint64, size/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size), nil
}

func release(mem []byte) error {
	_ = mem
	return nil
}

func protect(mem []byte, prot Prot) error {
	_, _ = mem, prot
	return nil
}
