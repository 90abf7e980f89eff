//go:build !linux || !amd64

package native

import (
	"errors"
	"runtime"

	"github.com/rwmem/rwmem/pkg/proc/watch"
)

// ErrNoFacility is returned by NewFacility on hosts without hardware
// watchpoint support.
var ErrNoFacility = errors.New("hardware watchpoints not supported on " + runtime.GOOS + "/" + runtime.GOARCH)

// NewFacility returns the hardware watchpoint facility of the host.
func NewFacility() (watch.Facility, error) {
	return nil, ErrNoFacility
}
