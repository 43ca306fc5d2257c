package capturews

import "encoding/json"

// ProtocolVersion is the agent protocol revision this client speaks.
const ProtocolVersion = 1

// OpCodes for the agent WebSocket protocol
const (
	OpHello           = 0
	OpIdentify        = 1
	OpIdentified      = 2
	OpEvent           = 5
	OpRequest         = 6
	OpRequestResponse = 7
)

// Request types
const (
	RequestGetCapabilities = "GetCapabilities"
	RequestListDevices     = "ListDevices"
	RequestOpenStream      = "OpenStream"
	RequestCloseStream     = "CloseStream"
	RequestProbeTorch      = "ProbeTorch"
	RequestSetTorch        = "SetTorch"
)

// Event types
const (
	EventFrameDecoded = "FrameDecoded"
	EventFrameMissed  = "FrameMissed"
	EventStreamError  = "StreamError"
	EventStreamEnded  = "StreamEnded"
)

// ErrorAgentDisconnected is the platform error name reported to every open
// stream when the agent connection drops.
const ErrorAgentDisconnected = "AgentDisconnected"

// Message is the envelope of every frame on the wire.
type Message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type HelloData struct {
	AgentVersion    string `json:"agentVersion"`
	ProtocolVersion int    `json:"protocolVersion"`
	Capabilities    struct {
		CaptureAPI      bool `json:"captureApi"`
		DeviceSupported bool `json:"deviceSupported"`
	} `json:"capabilities"`
	Authentication struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication"`
}

type IdentifyData struct {
	ProtocolVersion int    `json:"protocolVersion"`
	Authentication  string `json:"authentication,omitempty"`
}

type Request struct {
	RequestType string      `json:"requestType"`
	RequestID   string      `json:"requestId"`
	RequestData interface{} `json:"requestData,omitempty"`
}

type Response struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result    bool   `json:"result"`
		Code      int    `json:"code"`
		Comment   string `json:"comment,omitempty"`
		ErrorName string `json:"errorName,omitempty"` // platform error name, e.g. NotAllowedError
	} `json:"requestStatus"`
	ResponseData json.RawMessage `json:"responseData,omitempty"`
}

// Event carries loosely typed data; see decodeEvent.
type Event struct {
	EventType string                 `json:"eventType"`
	EventData map[string]interface{} `json:"eventData,omitempty"`
}

type openStreamData struct {
	DeviceID    string            `json:"deviceId"`
	Constraints streamConstraints `json:"constraints"`
}

type streamConstraints struct {
	FrameRate      int     `json:"fps"`
	RegionFraction float64 `json:"regionFraction"`
	AspectRatio    float64 `json:"aspectRatio"`
	Mirror         bool    `json:"mirror"`
	VerboseErrors  bool    `json:"verboseErrors"`
}
