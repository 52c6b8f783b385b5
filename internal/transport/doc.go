// Package transport provides the two channels a WiVRn client and server
// exchange messages over: an unreliable UDP datagram socket with batched
// receive and send, and a reliable TCP stream carrying messages framed
// with a 2-byte little-endian length prefix.
//
// Both channels hand out received messages as [packet.Packet] views into
// shared receive buffers, so decoding never copies payload bytes.
package transport
