package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tiroq/qrscan/internal/scanerr"
)

func TestValidateAgentVersion(t *testing.T) {
	tests := []struct {
		version  string
		ok       bool
		warnings int
	}{
		{"1.0.0", true, 0},
		{"1.4.2", true, 0},
		{"2.0.0-rc1", true, 1},
		{"0.9.5", false, 0},
		{"garbage", false, 0},
		{"", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			r := ValidateAgentVersion(tt.version)
			assert.Equal(t, tt.ok, r.OK, r.Message)
			assert.Len(t, r.Warnings, tt.warnings)
			if !tt.ok {
				assert.NotEmpty(t, r.Fixes)
			}
		})
	}
}

func TestCheckAgentHealth(t *testing.T) {
	r := CheckAgentHealth("1.2.0", 1)
	assert.True(t, r.OK)
	assert.True(t, strings.HasPrefix(r.Message, "Agent health check passed"))

	r = CheckAgentHealth("1.2.0", 2)
	assert.False(t, r.OK)
	assert.Contains(t, r.Message, "FAILED")
	assert.Contains(t, r.Fixes[0], "Update qrscan")

	r = CheckAgentHealth("0.1.0", 0)
	assert.False(t, r.OK)
	assert.Len(t, r.Issues, 2)
}

func TestSuggestedFixes(t *testing.T) {
	tests := []struct {
		code scanerr.Code
		msg  string
		want string
	}{
		{scanerr.CodePermissionDenied, "", "refused"},
		{scanerr.CodeDeviceBusy, "", "in use"},
		{scanerr.CodeNoDeviceFound, "", "No camera"},
		{scanerr.CodeStartFailed, "overconstrained", "overconstrained"},
		{scanerr.CodeIncompatibleDevice, "", "manually"},
		{scanerr.CodeUnknown, "capturews: not connected", "capture agent"},
		{scanerr.CodeUnknown, "weird", "export-diag"},
	}
	for _, tt := range tests {
		t.Run(string(tt.code)+"/"+tt.msg, func(t *testing.T) {
			fixes := SuggestedFixes(tt.code, tt.msg)
			assert.Contains(t, strings.Join(fixes, "\n"), tt.want)
		})
	}
}
