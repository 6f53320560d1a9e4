//go:build !windows

package preflight

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// CheckElevated verifies that the invoking principal holds administrative
// privileges. Snapshots must preserve ownership and permissions of arbitrary
// application data, which requires running as root.
func CheckElevated() error {
	if euid := unix.Geteuid(); euid != 0 {
		return fmt.Errorf("must be run with root privileges (effective uid %d)", euid)
	}
	return nil
}
