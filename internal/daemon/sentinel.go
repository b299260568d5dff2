package daemon

import (
	"os"

	"github.com/cockroachdb/errors"
)

// Trigger drops the force-run sentinel. Presence alone is the signal.
func Trigger(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644) // #nosec G304 - path comes from the configured data dir
	if err != nil {
		return errors.Wrap(err, "daemon.Trigger")
	}
	return errors.Wrap(f.Close(), "daemon.Trigger")
}

// ConsumeSentinel removes the sentinel and reports whether it existed.
func ConsumeSentinel(path string) (bool, error) {
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "daemon.ConsumeSentinel")
}
