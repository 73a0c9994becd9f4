//go:build !unix

package offline

import "os"

// Advisory locking is unix-only; elsewhere the lock file only marks the
// store as in use.
func acquireFileLock(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
}

func releaseFileLock(f *os.File) error {
	if f == nil {
		return nil
	}
	return f.Close()
}
