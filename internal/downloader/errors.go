package downloader

import (
	"errors"
	"fmt"
)

var (
	ErrTriggerFailed         = errors.New("downloader: download trigger failed")
	ErrCompletionTimeout     = errors.New("downloader: no new file before timeout")
	ErrAllCandidatesRejected = errors.New("downloader: all candidate files rejected")
	errMonitorStopped        = errors.New("downloader: monitor stopped")
)

// Error is a download failure for one track
type Error struct {
	Track string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("download %q: %v", e.Track, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FilesystemError reports permission, space or similar problems on the
// destination directory. It is never swallowed silently.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

func IsTriggerFailed(err error) bool         { return errors.Is(err, ErrTriggerFailed) }
func IsCompletionTimeout(err error) bool     { return errors.Is(err, ErrCompletionTimeout) }
func IsAllCandidatesRejected(err error) bool { return errors.Is(err, ErrAllCandidatesRejected) }

// IsFilesystem reports whether err wraps a FilesystemError
func IsFilesystem(err error) bool {
	var fsErr *FilesystemError
	return errors.As(err, &fsErr)
}
