// Package device implements the multiplexer's single-owner device table:
// a goroutine that owns the authoritative map of tracked devices and the
// open-socket kill registry, mutated exclusively through typed requests.
package device

import (
	"net"

	"netmuxd.dev/netmuxd/internal/frame"
)

// Device is a tracked entry in the device table (MuxerDevice in the wire
// protocol's vocabulary).
type Device struct {
	SerialNumber   string
	DeviceID       uint64
	InterfaceIndex uint64
	ConnectionType string
	NetworkAddress net.IP
	ServiceName    string
}

// Draft describes a device discovered over the network, before it has been
// assigned a DeviceID/InterfaceIndex. Draft is what flows through
// DiscoveredNetworkDevice and DeferredMuxerAdd requests; the manager assigns
// identifiers at insertion time.
type Draft struct {
	SerialNumber   string
	ConnectionType string
	NetworkAddress net.IP
	ServiceName    string
}

// ToDict projects a Device into the dictionary shape used by ListDevices and
// Connect-response construction: ConnectionType, DeviceID,
// EscapedFullServiceName (Network only), InterfaceIndex, NetworkAddress
// (Network only), SerialNumber.
func (d Device) ToDict() frame.Dict {
	dict := frame.Dict{
		"ConnectionType": d.ConnectionType,
		"DeviceID":       d.DeviceID,
		"InterfaceIndex": d.InterfaceIndex,
		"SerialNumber":   d.SerialNumber,
	}
	if d.ConnectionType == "Network" {
		dict["EscapedFullServiceName"] = d.ServiceName
		dict["NetworkAddress"] = EncodeNetworkAddress(d.NetworkAddress)
	}
	return dict
}
