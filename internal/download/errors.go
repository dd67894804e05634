package download

import (
	"errors"
	"fmt"
)

var ErrCancelled = errors.New("download cancelled")

// DownloadError is returned by Transfer.Wait when a transfer failed.
type DownloadError struct {
	ID         string
	User       string
	RemotePath string
	Err        error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download of '%s' from %s failed: %v", e.RemotePath, e.User, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}
