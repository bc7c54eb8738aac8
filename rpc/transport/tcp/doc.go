// Package tcp implements the stream transport: the StreamLink and its Connector on the
// client side and a server transport speaking the same protocol.
//
// Every frame starts with a 6 byte header: frame kind (1 byte), slot (1 byte) and the
// payload length (4 bytes, little endian). Result set payloads sent by the server carry
// an additional writer byte after the slot.
//
// Key Components:
//
//   - StreamLink: base.LinkBase with a PullFunc. A waiting caller performs the read
//     itself, bounded by the deadline of its context. The frame decoder keeps partial
//     frames across read timeouts.
//
//   - Connector: dials the server, applies the socket options and runs the HELLO
//     handshake. HELLO carries the credential, HELLO_OK the decimal session id and
//     HELLO_NG the reason of a rejection.
//
//   - serverConnector / serverSession: server side handshake, request reading and
//     result set slots that are reused once the client acknowledged their BYE.
//
// The default server buffer size is 512 KB.
package tcp
