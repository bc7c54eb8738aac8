// Package ipc implements the ipc transport over Unix domain sockets for processes
// running on the same machine.
//
// A server listens on a base name (the control socket). The handshake runs there: the
// client sends its credential and receives the status together with the session id or
// the reason of a rejection. The session itself lives on the socket "<base>-<id>", each
// result set gets its own socket "<base>-<id>-<name>".
//
// Key Components:
//
//   - IpcLink: base.LinkBase with a dedicated receiver goroutine. Callers never read
//     themselves, they wait for the receiver. A NULL frame ends the session orderly,
//     a CODE frame fails the request with a bare status code.
//
//   - Arena: typed handles for connections shared between goroutines (pending
//     handshakes, connected result sets).
//
//   - Connector: runs the handshake and opens the session socket.
//
//   - serverConnector / serverSession: server side handshake and session sockets.
//
// IsAlive additionally checks that the server process (found via SO_PEERCRED on Linux)
// still exists.
package ipc
