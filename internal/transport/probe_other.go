//go:build !linux

package transport

import "syscall"

// nextDatagramSize returns the largest possible datagram size. Platforms
// without MSG_TRUNC peeking fall back to a maximum-size allocation.
func nextDatagramSize(syscall.RawConn) (int, error) {
	return maxDatagramSize, nil
}
