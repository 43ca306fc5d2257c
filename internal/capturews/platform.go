package capturews

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/tiroq/qrscan/internal/capture"
	"github.com/tiroq/qrscan/internal/diaglog"
)

var (
	_ capture.Platform          = (*Client)(nil)
	_ capture.CapabilityChecker = (*Client)(nil)
)

// Capabilities asks the agent whether this device may capture at all.
func (c *Client) Capabilities(ctx context.Context) (capture.Capabilities, error) {
	resp, err := c.sendRequest(ctx, RequestGetCapabilities, nil)
	if err != nil {
		return capture.Capabilities{}, err
	}

	var data struct {
		CaptureAPI      bool `json:"captureApi"`
		DeviceSupported bool `json:"deviceSupported"`
	}
	if err := json.Unmarshal(resp.ResponseData, &data); err != nil {
		return capture.Capabilities{}, fmt.Errorf("failed to parse capabilities: %w", err)
	}
	return capture.Capabilities{CaptureAPI: data.CaptureAPI, DeviceSupported: data.DeviceSupported}, nil
}

// ListDevices returns the video input devices known to the agent.
func (c *Client) ListDevices(ctx context.Context) ([]capture.Device, error) {
	resp, err := c.sendRequest(ctx, RequestListDevices, nil)
	if err != nil {
		return nil, err
	}

	var data struct {
		Devices []struct {
			DeviceID string `json:"deviceId"`
			Label    string `json:"label"`
		} `json:"devices"`
	}
	if err := json.Unmarshal(resp.ResponseData, &data); err != nil {
		return nil, fmt.Errorf("failed to parse device list: %w", err)
	}

	devs := make([]capture.Device, 0, len(data.Devices))
	for _, d := range data.Devices {
		devs = append(devs, capture.Device{ID: d.DeviceID, Label: d.Label})
	}
	return devs, nil
}

// Open starts a stream on deviceID. Results arrive as agent events until
// Close or until the connection drops.
func (c *Client) Open(ctx context.Context, deviceID string, cons capture.Constraints) (capture.Stream, error) {
	release := func(late *Response) { c.closeAbandoned(deviceID, late) }
	resp, err := c.sendRequestLate(ctx, RequestOpenStream, openStreamData{
		DeviceID: deviceID,
		Constraints: streamConstraints{
			FrameRate:      cons.FrameRate,
			RegionFraction: cons.RegionFraction,
			AspectRatio:    cons.AspectRatio,
			Mirror:         cons.Mirror,
			VerboseErrors:  cons.VerboseErrors,
		},
	}, release)
	if err != nil {
		return nil, err
	}

	var data struct {
		StreamID string `json:"streamId"`
	}
	if err := json.Unmarshal(resp.ResponseData, &data); err != nil {
		return nil, fmt.Errorf("failed to parse stream id: %w", err)
	}
	if data.StreamID == "" {
		return nil, fmt.Errorf("agent returned empty stream id for device %s", deviceID)
	}

	s := newStream(data.StreamID, deviceID)
	c.streamsMu.Lock()
	c.streams[s.id] = s
	c.streamsMu.Unlock()

	c.log(diaglog.LogEntry{
		Event:    diaglog.EventDeviceOpen,
		DeviceID: deviceID,
		Payload:  map[string]interface{}{"stream_id": s.id},
	})
	return s, nil
}

// Close stops the stream on the agent and ends its result channel. The
// channel is ended even when the request fails.
func (c *Client) Close(ctx context.Context, st capture.Stream) error {
	s, ok := st.(*stream)
	if !ok {
		return fmt.Errorf("capturews: foreign stream %T", st)
	}
	defer c.forgetStream(s.id)

	_, err := c.sendRequest(ctx, RequestCloseStream, map[string]interface{}{"streamId": s.id})
	c.log(diaglog.LogEntry{
		Event:    diaglog.EventDeviceClose,
		DeviceID: s.deviceID,
		Payload:  map[string]interface{}{"stream_id": s.id},
	})
	if err == ErrNotConnected {
		// the agent released everything when the connection dropped
		return nil
	}
	return err
}

// ProbeTorch reports whether the stream's track supports a torch.
func (c *Client) ProbeTorch(ctx context.Context, st capture.Stream) (bool, error) {
	resp, err := c.sendRequest(ctx, RequestProbeTorch, map[string]interface{}{"streamId": st.ID()})
	if err != nil {
		return false, err
	}
	var data struct {
		Supported bool `json:"supported"`
	}
	if err := json.Unmarshal(resp.ResponseData, &data); err != nil {
		return false, fmt.Errorf("failed to parse torch probe: %w", err)
	}
	return data.Supported, nil
}

// SetTorch switches the torch of the stream's track.
func (c *Client) SetTorch(ctx context.Context, st capture.Stream, on bool) error {
	_, err := c.sendRequest(ctx, RequestSetTorch, map[string]interface{}{"streamId": st.ID(), "on": on})
	return err
}

// closeAbandoned closes a stream the agent opened after Open stopped waiting
// for it. Nobody owns such a stream, so it is closed straight away.
func (c *Client) closeAbandoned(deviceID string, resp *Response) {
	if !resp.RequestStatus.Result {
		return
	}
	var data struct {
		StreamID string `json:"streamId"`
	}
	if err := json.Unmarshal(resp.ResponseData, &data); err != nil || data.StreamID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()
	_, err := c.sendRequest(ctx, RequestCloseStream, map[string]interface{}{"streamId": data.StreamID})
	payload := map[string]interface{}{"stream_id": data.StreamID, "abandoned": true}
	if err != nil {
		payload["error"] = err.Error()
		log.Printf("Warning: failed to close abandoned stream %s: %v", data.StreamID, err)
	}
	c.log(diaglog.LogEntry{
		Event:    diaglog.EventDeviceClose,
		DeviceID: deviceID,
		Payload:  payload,
	})
}

// forgetStream unregisters and ends a stream.
func (c *Client) forgetStream(id string) {
	c.streamsMu.Lock()
	s := c.streams[id]
	delete(c.streams, id)
	c.streamsMu.Unlock()
	if s != nil {
		s.finish()
	}
}
