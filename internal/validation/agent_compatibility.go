package validation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tiroq/qrscan/internal/scanerr"
)

// Minimum agent release and the protocol revision the client speaks.
const (
	MinAgentMajor   = 1
	MinAgentMinor   = 0
	ProtocolVersion = 1
)

// ValidationResult contains the result of a capture agent compatibility check
type ValidationResult struct {
	OK       bool
	Message  string
	Issues   []string
	Warnings []string
	Fixes    []string
}

// ValidateAgentVersion checks if the agent version meets minimum requirements
func ValidateAgentVersion(versionString string) *ValidationResult {
	result := &ValidationResult{OK: true}

	// "1.2.0" or "1.3.0-rc1"
	re := regexp.MustCompile(`(\d+)\.(\d+)\.(\d+)`)
	matches := re.FindStringSubmatch(versionString)

	if len(matches) < 4 {
		result.OK = false
		result.Message = fmt.Sprintf("Could not parse agent version: %q", versionString)
		result.Issues = append(result.Issues, "Invalid version format")
		result.Fixes = append(result.Fixes, "Update the capture agent to the latest release")
		return result
	}

	major, _ := strconv.Atoi(matches[1])
	minor, _ := strconv.Atoi(matches[2])

	if major < MinAgentMajor || (major == MinAgentMajor && minor < MinAgentMinor) {
		result.OK = false
		result.Issues = append(result.Issues, fmt.Sprintf("Agent %d.%d is too old (requires %d.%d+)", major, minor, MinAgentMajor, MinAgentMinor))
		result.Fixes = append(result.Fixes, fmt.Sprintf("Update the capture agent to %d.%d or later", MinAgentMajor, MinAgentMinor))
		result.Message = fmt.Sprintf("Agent %d.%d requires update", major, minor)
		return result
	}

	if strings.Contains(versionString, "-") {
		result.Warnings = append(result.Warnings, fmt.Sprintf("Agent %s is a pre-release build", versionString))
	}
	result.Message = fmt.Sprintf("Agent %d.%d is compatible", major, minor)
	return result
}

// validateProtocolVersion checks the protocol revision announced in Hello
func validateProtocolVersion(protocolVersion int) *ValidationResult {
	result := &ValidationResult{OK: true}

	if protocolVersion != ProtocolVersion {
		result.OK = false
		result.Issues = append(result.Issues, fmt.Sprintf("Protocol v%d detected (requires v%d)", protocolVersion, ProtocolVersion))
		if protocolVersion > ProtocolVersion {
			result.Fixes = append(result.Fixes, "Update qrscan to a release that speaks the agent's protocol")
		} else {
			result.Fixes = append(result.Fixes, "Update the capture agent")
		}
		result.Message = fmt.Sprintf("Protocol v%d is incompatible", protocolVersion)
		return result
	}

	result.Message = fmt.Sprintf("Protocol v%d is compatible", protocolVersion)
	return result
}

// CheckAgentHealth performs a comprehensive capture agent health check
func CheckAgentHealth(agentVersion string, protocolVersion int) *ValidationResult {
	result := &ValidationResult{OK: true}
	var messages []string

	for _, check := range []*ValidationResult{
		ValidateAgentVersion(agentVersion),
		validateProtocolVersion(protocolVersion),
	} {
		if !check.OK {
			result.OK = false
			result.Issues = append(result.Issues, check.Issues...)
			result.Fixes = append(result.Fixes, check.Fixes...)
		}
		result.Warnings = append(result.Warnings, check.Warnings...)
		messages = append(messages, check.Message)
	}

	result.Message = strings.Join(messages, " | ")

	if result.OK {
		result.Message = "Agent health check passed: " + result.Message
	} else {
		result.Message = "Agent health check FAILED: " + result.Message
	}

	return result
}

// SuggestedFixes returns user-friendly troubleshooting for a scanner error code
func SuggestedFixes(code scanerr.Code, errorMsg string) []string {
	var fixes []string

	switch code {
	case scanerr.CodePermissionDenied:
		fixes = append(fixes, "Camera access was refused")
		fixes = append(fixes, "")
		fixes = append(fixes, "Steps to fix:")
		fixes = append(fixes, "  1. Allow camera access for the capture agent in system settings")
		fixes = append(fixes, "  2. Run: qrscan-ctl retry")

	case scanerr.CodeDeviceBusy:
		fixes = append(fixes, "The camera is in use by another application")
		fixes = append(fixes, "")
		fixes = append(fixes, "Steps to fix:")
		fixes = append(fixes, "  1. Close video calls and other camera apps")
		fixes = append(fixes, "  2. Run: qrscan-ctl start")

	case scanerr.CodeNoDeviceFound:
		fixes = append(fixes, "No camera was found")
		fixes = append(fixes, "")
		fixes = append(fixes, "Steps to fix:")
		fixes = append(fixes, "  1. Connect a camera")
		fixes = append(fixes, "  2. Run: qrscan-ctl retry")

	case scanerr.CodeStartFailed:
		fixes = append(fixes, fmt.Sprintf("The camera could not be started: %s", errorMsg))
		fixes = append(fixes, "")
		fixes = append(fixes, "Steps to try:")
		fixes = append(fixes, "  1. Run: qrscan-ctl status, then qrscan-ctl switch <device-id>")
		fixes = append(fixes, "  2. Lower scanner.fps in the config")

	case scanerr.CodeUnsupported, scanerr.CodeIncompatibleDevice:
		fixes = append(fixes, "Camera scanning is not available on this device")
		fixes = append(fixes, "Enter the code manually")

	default:
		if strings.Contains(errorMsg, "not connected") || strings.Contains(errorMsg, "connection lost") {
			fixes = append(fixes, "Cannot reach the capture agent")
			fixes = append(fixes, "")
			fixes = append(fixes, "Verify:")
			fixes = append(fixes, "  1. The capture agent is running")
			fixes = append(fixes, "  2. agent.url in the config matches its listen address")
			fixes = append(fixes, "  3. agent.token matches when authentication is enabled")
		} else {
			fixes = append(fixes, fmt.Sprintf("Error: %s", errorMsg))
			fixes = append(fixes, "Run qrscan-ctl export-diag and check the log for details")
		}
	}

	return fixes
}
