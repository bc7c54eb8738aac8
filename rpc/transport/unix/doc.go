// Package unix runs the stream protocol of the tcp transport over Unix domain
// sockets. Framing, slots and in-band result sets are the same as with tcp, only
// the socket differs.
//
// Key Components:
//
//   - NewConnector: client connector dialing the socket path
//
//   - serverConnector: removes a stale socket file, listens on the path and hands
//     accepted connections to the tcp session handshake
//
// Use it for clients on the same host that cannot use the ipc transport, e.g.
// because they cannot listen on sockets themselves.
package unix
