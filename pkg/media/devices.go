// Package media implements the media session layer: the room engine,
// the capture sources feeding it, and the hand-off protocol that swaps
// sessions without leaking tracks or devices.
package media

// DeviceSelection is the process-wide preferred camera and microphone.
// It survives call switches even though the underlying session object
// is destroyed and recreated.
type DeviceSelection struct {
	CameraID     string
	MicrophoneID string
}

// Empty reports whether no preference has been captured yet
func (d DeviceSelection) Empty() bool {
	return d.CameraID == "" && d.MicrophoneID == ""
}

// Merge fills unset fields from other, keeping existing preferences
func (d DeviceSelection) Merge(other DeviceSelection) DeviceSelection {
	if d.CameraID == "" {
		d.CameraID = other.CameraID
	}
	if d.MicrophoneID == "" {
		d.MicrophoneID = other.MicrophoneID
	}
	return d
}
