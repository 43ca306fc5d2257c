package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConstraints(t *testing.T) {
	c := DefaultConstraints()
	assert.Equal(t, 10, c.FrameRate)
	assert.InDelta(t, 0.7, c.RegionFraction, 1e-9)
	assert.InDelta(t, 1.0, c.AspectRatio, 1e-9)
	assert.False(t, c.Mirror)
	assert.False(t, c.VerboseErrors)
}

func TestPlatformErrorMessage(t *testing.T) {
	assert.Equal(t, "NotAllowedError: denied", (&PlatformError{Name: "NotAllowedError", Message: "denied"}).Error())
	assert.Equal(t, "denied", (&PlatformError{Message: "denied"}).Error())
}
