// Package term wraps the handful of terminal-ownership syscalls the
// shell needs: reading and setting the controlling terminal's foreground
// process group, via the x/sys/unix ioctl helpers rather than raw
// tcgetpgrp/tcsetpgrp plumbing through unsafe.Pointer.
package term

import "golang.org/x/sys/unix"

// Foreground returns the pgid currently owning fd as its controlling
// terminal's foreground process group.
func Foreground(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.TIOCGPGRP)
}

// SetForeground transfers foreground ownership of fd's controlling
// terminal to pgid.
func SetForeground(fd int, pgid int) error {
	return unix.IoctlSetPointerInt(fd, unix.TIOCSPGRP, pgid)
}
