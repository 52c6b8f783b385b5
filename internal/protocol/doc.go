// Package protocol defines the typed messages exchanged between a WiVRn
// server and headset over the transport channels.
//
// Each message starts with a QUIC variable-length integer type tag
// followed by little-endian fixed-width fields. Marshal returns a message
// as byte ranges suitable for a vectored send, keeping bulk payloads out
// of any copy. Unmarshal keeps payloads as sub-views of the received
// packet.
package protocol
