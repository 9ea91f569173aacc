package topic

// Topic segments shared between the hub and device firmware.
// Changing these values breaks every device already in the field.
const (
	// SuffixDownlink carries device messages from the hub to one device.
	// Structure: {root}/downlink/{deviceID}
	SuffixDownlink = "downlink"

	// SuffixUplink carries every message a device sends to the hub,
	// including DEVICE_STATUS reports.
	// Structure: {root}/uplink/{deviceID}
	SuffixUplink = "uplink"

	// SuffixPresence carries the retained online/offline marker of a device.
	// Structure: {root}/presence/{deviceID}
	SuffixPresence = "presence"
)

const (
	// Wildcard is the single-level wildcard; it stands in for the device id.
	Wildcard = "+"

	// SharePrefix starts an MQTT v5 shared subscription: $share/{group}/{filter}.
	SharePrefix = "$share"
)
