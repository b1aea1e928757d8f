// Package netns runs code inside the network namespace that holds the
// fabric port netdevs.
package netns

import (
	"fmt"
	"os"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

const selfNetns = "/proc/self/ns/net"

// Inode returns the inode identifying the namespace at path, or the
// current namespace when path is empty.
func Inode(path string) (uint64, error) {
	if path == "" {
		path = selfNetns
	}
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return st.Ino, nil
}

// Run calls fn on a thread switched into the namespace at path. The
// thread is switched back before Run returns. An empty path runs fn in
// place.
//
// Sockets and netlink handles opened by fn stay bound to the target
// namespace after Run returns.
func Run(path string, fn func() error) error {
	if path == "" {
		return fn()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := os.Open(selfNetns)
	if err != nil {
		return fmt.Errorf("open current netns: %w", err)
	}
	defer orig.Close()

	target, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open netns %s: %w", path, err)
	}
	defer target.Close()

	if err := unix.Setns(int(target.Fd()), unix.CLONE_NEWNET); err != nil {
		return fmt.Errorf("setns %s: %w", path, err)
	}
	defer func() {
		_ = unix.Setns(int(orig.Fd()), unix.CLONE_NEWNET)
	}()

	return fn()
}
