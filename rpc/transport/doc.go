// Package transport defines the interfaces and abstractions of the client transport
// and of the reference server. It provides the contract all link implementations fulfil,
// so that the response multiplexing engine is independent of the physical medium.
//
// The package focuses on:
//   - Defining the link contract shared by the ipc and the stream transport
//   - Futures that expose every request's result as awaitable and closable
//   - The result set wire used to stream query results out of band
//   - Server transports used by the reference server
//
// Key Components:
//
//   - ILink: physical connection. Send is safe for concurrent use, PullMessage lets
//     exactly one caller read from the connection while all others wait.
//
//   - FutureResponse / Response / ResponseProcessor: a request's raw response is
//     mapped by a caller supplied processor into a typed value.
//
//   - IWire / IConnector: a connector performs the handshake and yields a session
//     bound wire; Send and SendQuery are the entry points of the upper layers.
//
//   - IResultSetWire: pull based chunk channel with partial consumption (Dispose).
//
//   - IRPCServerTransport / ServerHandleFunc: server side counterpart.
package transport
