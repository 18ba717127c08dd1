package audio

import (
	"github.com/pkg/errors"
)

// ErrInternal marks conditions that only happen when the pipeline is wired
// incorrectly, such as a buffer reaching a converter built for another format.
var ErrInternal = errors.New("audio: internal invariant violated")

// internalErrorf reports an invariant violation. Builds with the debug tag
// panic on the spot; release builds hand the caller an ErrInternal.
func internalErrorf(format string, args ...any) error {
	err := errors.Wrapf(ErrInternal, format, args...)
	if debugAssertions {
		panic(err)
	}
	return err
}
