// Package feature probes optional capabilities of an active capture stream.
package feature

import (
	"context"
	"time"

	"github.com/tiroq/qrscan/internal/capture"
)

// ProbeTimeout bounds a single torch probe.
const ProbeTimeout = 2 * time.Second

// HasTorch reports whether the device behind s can drive a torch. It needs a
// live stream; a nil stream, a probe error, a timeout or a panic inside the
// platform all yield false.
func HasTorch(ctx context.Context, p capture.Platform, s capture.Stream) (ok bool) {
	if p == nil || s == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	supported, err := p.ProbeTorch(ctx, s)
	if err != nil {
		return false
	}
	return supported
}
