// Package preflight provides validation checks that run before the pipeline
// begins. The checks are stateless and perform no side effects, so a failed
// validation aborts the invocation before any mutation of the destination.
package preflight

import (
	"fmt"
	"os"
)

// CheckSourceAccessible validates that the source path exists and is a directory.
func CheckSourceAccessible(srcPath string) error {
	srcInfo, err := os.Stat(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source directory %s does not exist", srcPath)
		}
		return fmt.Errorf("cannot stat source directory %s: %w", srcPath, err)
	}

	if !srcInfo.IsDir() {
		return fmt.Errorf("source path %s is not a directory", srcPath)
	}

	return nil
}

// CheckDestinationUsable ensures the destination root either is a directory
// or can be created beneath an accessible parent. It provides friendlier
// errors than letting os.MkdirAll fail mid-run.
func CheckDestinationUsable(destPath string) error {
	info, err := os.Stat(destPath)
	if os.IsNotExist(err) {
		return nil // Created later by the directory state manager.
	}
	if err != nil {
		return fmt.Errorf("cannot access destination path %s: %w", destPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("destination path exists but is not a directory: %s", destPath)
	}
	return nil
}
