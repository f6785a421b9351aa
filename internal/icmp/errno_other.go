//go:build !unix

package icmp

// Errno classification is only implemented for unix-like systems;
// elsewhere every send failure surfaces as a generic transport error.

func isUnreachableErrno(err error) bool { return false }

func isWouldBlockErrno(err error) bool { return false }
