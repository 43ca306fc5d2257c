package capturews

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/tiroq/qrscan/internal/capture"
)

type frameDecoded struct {
	StreamID string      `mapstructure:"streamId"`
	Text     string      `mapstructure:"text"`
	Raw      interface{} `mapstructure:"raw"`
}

type frameMissed struct {
	StreamID string `mapstructure:"streamId"`
	Message  string `mapstructure:"message"`
}

type streamError struct {
	StreamID string                `mapstructure:"streamId"`
	Error    capture.PlatformError `mapstructure:"error"`
}

type streamEnded struct {
	StreamID string `mapstructure:"streamId"`
	Reason   string `mapstructure:"reason"`
}

// decodeEvent turns an agent event into the stream it targets and the result
// to deliver. ok is false for event types this client does not handle.
func decodeEvent(ev *Event) (streamID string, res capture.FrameResult, ok bool, err error) {
	switch ev.EventType {
	case EventFrameDecoded:
		var d frameDecoded
		if err := decode(ev.EventData, &d); err != nil {
			return "", res, false, err
		}
		return d.StreamID, capture.FrameResult{Event: &capture.DecodeEvent{Text: d.Text, Raw: d.Raw}}, true, nil

	case EventFrameMissed:
		var d frameMissed
		if err := decode(ev.EventData, &d); err != nil {
			return "", res, false, err
		}
		miss := capture.ErrNotFound
		if d.Message != "" {
			miss = fmt.Errorf("%w: %s", capture.ErrNotFound, d.Message)
		}
		return d.StreamID, capture.FrameResult{Err: miss}, true, nil

	case EventStreamError:
		var d streamError
		if err := decode(ev.EventData, &d); err != nil {
			return "", res, false, err
		}
		pe := d.Error
		return d.StreamID, capture.FrameResult{Err: &pe}, true, nil

	case EventStreamEnded:
		var d streamEnded
		if err := decode(ev.EventData, &d); err != nil {
			return "", res, false, err
		}
		ended := capture.ErrStreamEnded
		if d.Reason != "" {
			ended = fmt.Errorf("%w: %s", capture.ErrStreamEnded, d.Reason)
		}
		return d.StreamID, capture.FrameResult{Err: ended}, true, nil
	}
	return "", res, false, nil
}

func decode(in map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("decode event data: %w", err)
	}
	return nil
}
