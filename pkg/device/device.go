// Package device is the EtherCAT core's collaborator boundary onto the
// raw Ethernet MAC link a master cycles over. This package defines that
// interface and a small registry of concrete drivers, the direct
// analogue of the teacher's pkg/can.Bus + RegisterInterface.
package device

import "fmt"

// FrameListener receives raw Ethernet frames (including the 14-byte
// Ethernet header) as they arrive off the wire. Handle must not block;
// the frame assembler (pkg/frameio) is the only subscriber in normal
// operation.
type FrameListener interface {
	Handle(frame []byte)
}

// FrameListenerFunc adapts a plain function to FrameListener.
type FrameListenerFunc func(frame []byte)

func (f FrameListenerFunc) Handle(frame []byte) { f(frame) }

// Device is a raw Ethernet link: open/close, send one full frame
// (including Ethernet header), and register a callback for received
// frames. No retransmission or timeout logic lives here — that's the
// datagram/FSM layer's concern.
type Device interface {
	// Open brings the link up on the named interface. Callers build full
	// frames, including the Ethernet source address.
	Open(ifname string) error
	Close() error
	// Send transmits one complete Ethernet frame as-is.
	Send(frame []byte) error
	// SetReceiveHandler installs the callback invoked for every received
	// frame. Replaces any previously installed handler.
	SetReceiveHandler(l FrameListener)
	// LinkUp reports the last known link carrier state.
	LinkUp() bool
}

// NewDeviceFunc constructs a Device for a named driver, given an
// interface/channel identifier whose meaning is driver-specific (a NIC
// name for rawsock, an arbitrary tag for virtual).
type NewDeviceFunc func(channel string) (Device, error)

var registry = make(map[string]NewDeviceFunc)

// Register makes a driver available under name. Drivers call this from
// an init() function, exactly as the teacher's pkg/can concrete buses do.
func Register(name string, ctor NewDeviceFunc) {
	registry[name] = ctor
}

// Open constructs and opens a registered driver by name.
func Open(name string, channel string) (Device, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("device: unsupported driver %q", name)
	}
	dev, err := ctor(channel)
	if err != nil {
		return nil, err
	}
	if err := dev.Open(channel); err != nil {
		return nil, err
	}
	return dev, nil
}

// Available lists the names of all registered drivers.
func Available() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
