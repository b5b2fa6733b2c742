package session

import "fmt"

// DeviceError is a terminal failure to acquire or start a capture device.
type DeviceError struct {
	Device string // "microphone" or "camera"
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// ChannelError is a terminal failure of the remote channel, either at
// connect time or mid-session.
type ChannelError struct {
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("remote channel: %v", e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }
