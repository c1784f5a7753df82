// Copyright 2024 Gustavo C. Viegas. All rights reserved.

//go:build linux

package x11

import (
	"golang.org/x/sys/unix"
)

// shmOpen creates and attaches a private System V shared memory
// segment of the given size. The segment is marked for removal
// right away, so it goes away once the last attachment (ours and
// the X server's) is gone.
func shmOpen(size int) (shmid int, buf []byte, err error) {
	shmid, err = unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|0o600)
	if err != nil {
		return 0, nil, err
	}
	buf, err = unix.SysvShmAttach(shmid, 0, 0)
	if err != nil {
		unix.SysvShmCtl(shmid, unix.IPC_RMID, nil)
		return 0, nil, err
	}
	if _, err := unix.SysvShmCtl(shmid, unix.IPC_RMID, nil); err != nil {
		unix.SysvShmDetach(buf)
		return 0, nil, err
	}
	return shmid, buf, nil
}

// shmClose detaches the segment.
func shmClose(buf []byte) error {
	return unix.SysvShmDetach(buf)
}
