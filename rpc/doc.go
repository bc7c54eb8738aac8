// Package rpc provides the client transport of a database server together with a
// small reference server. A session multiplexes many concurrent requests over a
// single link and routes every response back to the request that caused it.
//
// The package is organized into several subpackages:
//
//   - common: Frame header, envelope codec, configuration, errors and logging.
//
//   - transport: The link contract and the response multiplexing engine with its
//     implementations (ipc over local sockets, tcp as byte stream).
//
//   - serializer: Frame header serialization with multiple format options
//     (Binary, JSON, GOB).
//
//   - client: Sessions, foreground and background response processing and the
//     processors mapping raw responses to payloads and query results.
//
//   - server: Reference server dispatching requests to registered services.
package rpc
