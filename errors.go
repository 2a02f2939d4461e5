package tabletscan

import (
	"errors"

	"github.com/hupe1980/tabletscan/scan"
)

// Re-exported sentinels so callers rarely need the scan package.
var (
	// ErrClosed is returned by operations on a closed scan node.
	ErrClosed = scan.ErrClosed

	// ErrCancelled is the terminal error of a cancelled scan.
	ErrCancelled = scan.ErrCancelled
)

// translateError maps internal sentinels onto the public contract.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, scan.ErrClosed) {
		return ErrClosed
	}
	if errors.Is(err, scan.ErrCancelled) {
		return ErrCancelled
	}
	return err
}
