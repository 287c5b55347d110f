package scylla

import (
	"github.com/thorium-research/thorium/infrastructure/errors"
)

func marshalErr(resource string, err error) error {
	return errors.Internal("marshal "+resource, err)
}

// ignoreNotFound turns a not-found lookup into a nil error with a zero
// value already populated by the caller, used where a missing row just
// means "no groups yet" rather than a real failure.
func ignoreNotFound(err error) error {
	if errors.IsNotFound(err) {
		return nil
	}
	return err
}
