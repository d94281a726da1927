/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

package tun

import (
	"errors"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// cloneDevicePath is the well-known Linux TUN/TAP clone device (spec.md §6
// "TUN device").
const cloneDevicePath = "/dev/net/tun"

const ifReqSize = unix.IFNAMSIZ + 64

// NativeTun opens and owns one Linux TUN interface, exposing it as the
// length-agnostic byte stream the device engine reads and writes whole IP
// packets over. It is grounded in the teacher's legacy src/tun_linux.go, but
// drops that file's cgo netlink-monitor dependency — MTU is read once at
// startup (spec.md §1 Non-goals: "MTU discovery beyond reading the
// interface MTU once at startup") rather than watched for changes — and
// uses only golang.org/x/sys/unix, never the raw syscall package.
type NativeTun struct {
	fd     *os.File
	name   string
	events chan TUNEvent
}

var _ TUNDevice = (*NativeTun)(nil)

// CreateTUN opens the clone device, attaches it to name with the flags
// spec.md §6 calls out (TUN, no packet info, multi-queue), and reads back
// whatever name the kernel actually assigned.
func CreateTUN(name string) (TUNDevice, error) {
	fd, err := os.OpenFile(cloneDevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	var ifr [ifReqSize]byte
	nameBytes := []byte(name)
	if len(nameBytes) >= unix.IFNAMSIZ {
		fd.Close()
		return nil, errors.New("tun: interface name too long")
	}
	copy(ifr[:], nameBytes)
	flags := uint16(unix.IFF_TUN | unix.IFF_NO_PI | unix.IFF_MULTI_QUEUE)
	ifr[unix.IFNAMSIZ] = byte(flags)
	ifr[unix.IFNAMSIZ+1] = byte(flags >> 8)

	if _, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		fd.Fd(),
		uintptr(unix.TUNSETIFF),
		uintptr(unsafe.Pointer(&ifr[0])),
	); errno != 0 {
		fd.Close()
		return nil, errno
	}

	newName := string(ifr[:unix.IFNAMSIZ])
	if i := indexByte(newName, 0); i >= 0 {
		newName = newName[:i]
	}

	t := &NativeTun{
		fd:     fd,
		name:   newName,
		events: make(chan TUNEvent, 5),
	}
	return t, nil
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// ifreqMTU opens a throwaway AF_INET datagram socket to issue the MTU
// ioctls over — the "separate socket ioctl" spec.md §4.1/§6 describes.
func (tun *NativeTun) ifreqMTU(ioctl uintptr, set int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	var ifr [ifReqSize]byte
	copy(ifr[:], tun.name)
	if ioctl == unix.SIOCSIFMTU {
		putLE32(ifr[unix.IFNAMSIZ:], uint32(set))
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), ioctl, uintptr(unsafe.Pointer(&ifr[0]))); errno != 0 {
		return 0, errno
	}
	return int(getLE32(ifr[unix.IFNAMSIZ:])), nil
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func getLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// MTU issues the one-shot SIOCGIFMTU query spec.md §4.1 describes.
func (tun *NativeTun) MTU() (int, error) {
	return tun.ifreqMTU(unix.SIOCGIFMTU, 0)
}

func (tun *NativeTun) Name() (string, error) {
	return tun.name, nil
}

func (tun *NativeTun) File() *os.File {
	return tun.fd
}

func (tun *NativeTun) Read(buf []byte, offset int) (int, error) {
	return tun.fd.Read(buf[offset:])
}

func (tun *NativeTun) Write(buf []byte, offset int) (int, error) {
	return tun.fd.Write(buf[offset:])
}

func (tun *NativeTun) Events() chan TUNEvent {
	return tun.events
}

func (tun *NativeTun) Close() error {
	close(tun.events)
	return tun.fd.Close()
}
