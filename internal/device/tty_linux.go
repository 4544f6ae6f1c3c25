//go:build linux

package device

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const openFlags = unix.O_NOCTTY

var baudRates = map[int]uint32{
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	2000000: unix.B2000000,
	3000000: unix.B3000000,
	4000000: unix.B4000000,
}

type tty struct {
	isTTY   bool
	purge   func() error
	restore func() error
}

// configure puts f into raw mode when it is a terminal. Non-terminals (named
// pipes, plain character devices) are left untouched.
func configure(f *os.File, baud int) (tty, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return tty{}, err
	}

	var (
		orig  *unix.Termios
		opErr error
	)
	err = rc.Control(func(fd uintptr) {
		t, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
		if errors.Is(err, unix.ENOTTY) || errors.Is(err, unix.EINVAL) {
			return
		}
		if err != nil {
			opErr = fmt.Errorf("get termios: %w", err)
			return
		}

		raw := *t
		raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
			unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
		raw.Oflag &^= unix.OPOST
		raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
		raw.Cflag &^= unix.CSIZE | unix.PARENB
		raw.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
		raw.Cc[unix.VMIN] = 1
		raw.Cc[unix.VTIME] = 0

		if baud > 0 {
			speed, ok := baudRates[baud]
			if !ok {
				opErr = fmt.Errorf("unsupported baud rate %d", baud)
				return
			}
			raw.Cflag &^= unix.CBAUD
			raw.Cflag |= speed
			raw.Ispeed = speed
			raw.Ospeed = speed
		}

		if err := unix.IoctlSetTermios(int(fd), unix.TCSETS, &raw); err != nil {
			opErr = fmt.Errorf("set termios: %w", err)
			return
		}
		orig = t
	})
	if err != nil {
		return tty{}, err
	}
	if opErr != nil {
		return tty{}, opErr
	}
	if orig == nil {
		return tty{}, nil
	}

	return tty{
		isTTY: true,
		purge: func() error {
			return control(rc, func(fd int) error {
				return unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIFLUSH)
			})
		},
		restore: func() error {
			return control(rc, func(fd int) error {
				return unix.IoctlSetTermios(fd, unix.TCSETS, orig)
			})
		},
	}, nil
}

type rawConn interface {
	Control(func(fd uintptr)) error
}

func control(rc rawConn, fn func(fd int) error) error {
	var opErr error
	if err := rc.Control(func(fd uintptr) { opErr = fn(int(fd)) }); err != nil {
		return err
	}
	return opErr
}
