// Package base provides the medium independent core of the client transport and the
// shared server loop. The stream (tcp) and ipc packages only add the physical frame
// codec and the handshake on top of it.
//
// The package focuses on:
//   - Multiplexing many concurrent requests onto one physical connection
//   - Demultiplexing responses by slot number into independently awaitable futures
//   - Tolerating read timeouts, partial frames and server crashes mid-flight
//   - Streaming query results out of band through result set wires
//
// Key Components:
//
//   - LinkBase: message counter plus the "one reader, many waiters" protocol. With a
//     PullFunc (stream link) the caller that finds the link idle performs the physical
//     read, all others wait on a broadcast channel and re-check their watermark. With a
//     receiver goroutine (ipc link) all callers wait passively. A failing read marks the
//     link dead and fails all pending requests.
//
//   - ResponseBox: fixed slot table (default 16 slots). Each in-flight request owns
//     one slot until its response arrived and all owners closed it. Requests that find
//     no free slot wait in a FIFO queue. Frames for unbound slots are dropped.
//
//   - ChannelResponse: once-settled cell of a slot (EMPTY, PENDING, ARRIVED, CONSUMED,
//     ERROR) with Receive/UnReceive for two phase consumption. A query shares one cell
//     between its head future and its body future.
//
//   - ForegroundFuture / BackgroundFuture: map a raw response with a caller supplied
//     ResponseProcessor, either in the calling goroutine or on an executor.
//
//   - ResultSetWire / ResultSetBox: pull based chunk channel with partial consumption.
//
//   - Wire / FutureWire: session bound wire wrapping payloads into envelopes
//     (uvarint header length, serialized frame header, body), and the pending handshake.
//
//   - serverTransport: accept loop with per-session worker pool and buffer pool, used by
//     the reference server of all transports.
//
// Metrics:
//
// Every link type exports VictoriaMetrics counters (frames sent, received and dropped,
// queued requests, crashes) and a histogram of response wait times, labeled with the
// transport name. WriteMetrics dumps them in Prometheus text format.
//
// Thread Safety:
//
// Links, wires, response boxes and futures are safe for concurrent use. A result set
// wire is read by one goroutine, its Close may be called from any goroutine.
package base
