package uerror

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"syscall"
)

// ErrAborted is returned by streaming code paths when the transfer was
// cut short by the write callback rather than by the transport.
var ErrAborted = errors.New("transfer aborted by callback")

// Translate classifies the outcome of one HTTP transfer attempt. The
// inputs mirror what a worker observes: the response status (0 when no
// response arrived), the transport error from the HTTP client, any
// filesystem error raised while writing the body, and whether the
// download was cancelled by the user.
//
// A nil result means either success or "keep the previously recorded
// error": an aborted transfer without user cancellation was aborted
// because of an error that has already been translated at its source.
func Translate(status int, transportErr, fsErr error, cancelled bool) *Error {
	if fsErr != nil {
		return TranslateFilesystem(fsErr)
	}
	if isAborted(transportErr) {
		if cancelled {
			return New(OperationInterrupted)
		}
		return nil
	}
	if transportErr != nil {
		return Wrap(NetworkError, transportErr)
	}
	switch {
	case status == http.StatusOK || status == http.StatusPartialContent:
		return nil
	case status == http.StatusNotFound:
		return New(FileNotFound)
	case status == http.StatusServiceUnavailable:
		return New(ServerError)
	case status >= 400:
		return New(OperationFailed)
	}
	return &Error{Code: RuntimeError}
}

// TranslateFilesystem maps a filesystem error onto the domain taxonomy.
// Filesystem errors always dominate transport errors and are always
// fatal: if the file cannot be written, no retry will help.
func TranslateFilesystem(err error) *Error {
	path := ""
	var perr *fs.PathError
	if errors.As(err, &perr) {
		path = perr.Path
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		e := Wrap(FilesystemError, err).WithPath(path)
		e.Fatal = true
		return e
	}
	e := Wrap(mapErrno(errno, path), err).WithPath(path)
	e.Fatal = true
	return e
}

func mapErrno(errno syscall.Errno, path string) Code {
	switch errno {
	case syscall.ENOSPC, syscall.EDQUOT:
		// A full FAT volume with room to spare means we hit the 4 GiB
		// per-file ceiling, not actual exhaustion.
		if path != "" && isSmallFileFilesystem(path) && freeSpace(path) >= 2<<20 {
			return FilesystemNotSupportLargeFiles
		}
		return FilesystemNoSpace
	case syscall.EACCES, syscall.EPERM:
		return FileNotWritable
	case syscall.ENOENT, syscall.ENOTDIR:
		return FileNotFound
	case syscall.ENXIO, syscall.ENODEV, syscall.ESTALE:
		return FilesystemUnavailable
	case syscall.ENAMETOOLONG:
		return FilePathTooLong
	case syscall.EBUSY, syscall.ETXTBSY:
		return FileWasUsedByOtherProcesses
	case syscall.EIO:
		return FilesystemIOError
	}
	if isNetworkErrno(errno) {
		if path != "" {
			return FilesystemNetworkError
		}
		return NetworkError
	}
	return FilesystemError
}

func isNetworkErrno(errno syscall.Errno) bool {
	switch errno {
	case syscall.ENETDOWN, syscall.ENETUNREACH, syscall.ENETRESET,
		syscall.ECONNABORTED, syscall.ECONNRESET, syscall.ECONNREFUSED,
		syscall.ETIMEDOUT, syscall.EHOSTDOWN, syscall.EHOSTUNREACH:
		return true
	}
	return false
}

func isAborted(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}
