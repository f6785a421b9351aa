//go:build unix

package icmp

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isUnreachableErrno(err error) bool {
	return errors.Is(err, unix.ENETUNREACH) ||
		errors.Is(err, unix.EHOSTUNREACH) ||
		errors.Is(err, unix.EACCES) // raw sockets report broadcast/denied routes as EACCES
}

func isWouldBlockErrno(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
