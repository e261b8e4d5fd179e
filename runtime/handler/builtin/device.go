package builtin

import (
	"context"

	"github.com/n3nlabs/n3n/runtime/fault"
	"github.com/n3nlabs/n3n/runtime/handler"
	"github.com/n3nlabs/n3n/runtime/values"
)

// DeviceSender pushes an encrypted payload to a paired device over the
// secure channel. The devchan service implements this.
type DeviceSender interface {
	SendToDevice(ctx context.Context, deviceID string, msgType string, payload values.Map) error
}

var deviceSendSchema = []byte(`{
	"type": "object",
	"required": ["deviceId"],
	"properties": {
		"deviceId": {"type": "string", "minLength": 1},
		"messageType": {"type": "string"}
	}
}`)

// NewDeviceSend returns the deviceSend handler. The node input becomes the
// message payload, sealed and delivered by the sender.
func NewDeviceSend(sender DeviceSender) handler.Handler {
	return handler.NewFunc(handler.Metadata{
		Type:         "deviceSend",
		Label:        "Send to Device",
		Description:  "Delivers the input to a paired device over the encrypted channel.",
		Category:     "device",
		ConfigSchema: deviceSendSchema,
	}, func(ctx context.Context, hctx *handler.Context) (handler.Result, error) {
		deviceID := hctx.Config.StringOr("deviceId", "")
		if deviceID == "" {
			return handler.Result{}, fault.New(fault.Validation, "deviceId is required")
		}
		msgType := hctx.Config.StringOr("messageType", "flow.message")
		if err := sender.SendToDevice(ctx, deviceID, msgType, hctx.Input); err != nil {
			return handler.Result{}, err
		}
		return handler.Result{Output: values.Map{"delivered": true, "deviceId": deviceID}}, nil
	})
}
