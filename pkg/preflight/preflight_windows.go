//go:build windows

package preflight

import (
	"errors"

	"golang.org/x/sys/windows"
)

// CheckElevated verifies that the invoking principal holds administrative
// privileges. Snapshots must preserve ownership and permissions of arbitrary
// application data, which requires an elevated token.
func CheckElevated() error {
	if !windows.GetCurrentProcessToken().IsElevated() {
		return errors.New("must be run from an elevated prompt")
	}
	return nil
}
