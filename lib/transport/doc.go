// Package transport defines what the overlay needs from a byte-stream
// transport and muxes several of them behind one Dialer.
//
// # Transports
//
//   - memnet: in-process pipes with fault injection, for tests and simulations
//   - tcp: plain TCP with a hello exchange of peer hashes
//   - ws: WebSocket binary messages, for peers behind HTTP front ends
//
// Each transport resolves peers through its own AddressBook. A Muxer tries
// every transport that knows an address for the peer, in registration
// order, and bounds the number of connections it has opened.
//
// # Usage Example
//
//	tcpT := tcp.New(self, tcp.Options{ListenAddress: ":7700"})
//	wsT := ws.NewDialer(self, ws.Options{})
//	mux := transport.Mux(tcpT, wsT)
//	node, err := stream.New(cfg, id, mux)
//
// Authentication and encryption of the stream are the job of an outer
// layer; transports only report the hash the far side claims.
package transport
