package directory

import "fmt"

// DirectoryError reports a failed call to the conversation collaborator.
// The directory keeps its last-known-good state when one is returned.
type DirectoryError struct {
	Op      string
	Message string
	Err     error
}

func (e *DirectoryError) Error() string {
	return fmt.Sprintf("directory %s: %s", e.Op, e.Message)
}

func (e *DirectoryError) Unwrap() error {
	return e.Err
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DirectoryError{Op: op, Message: err.Error(), Err: err}
}
