package esds

import (
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
)

var (
	// ErrUnknownOutput is returned when the sink has no such data stream.
	ErrUnknownOutput = errors.New("esds: unknown data stream")

	// ErrUnavailable is returned when no sink answers on the subject prefix.
	ErrUnavailable = errors.New("esds: no sink is responding")
)

// isNoResponders checks if a request failed because nobody subscribes to
// the subject.
func isNoResponders(err error) bool {
	return errors.Is(err, nats.ErrNoResponders)
}

// isUnknownOutput checks if a responder error names a missing output.
func isUnknownOutput(msg string) bool {
	return strings.Contains(msg, "output not found")
}
