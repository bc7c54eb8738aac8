// Package client implements the client session on top of a transport.IWire.
//
// Key Components:
//
//   - Connect / NewSession: establish a Session through any transport.IConnector
//     (tcp or ipc).
//
//   - Send: sends a request and maps its response with a transport.ResponseProcessor,
//     in the goroutine calling Get (foreground) or on a bounded errgroup worker pool
//     (background).
//
//   - SendQuery: sends a query. The head future yields a QueryResult with the connected
//     result set, the body future the main response. Both share one response slot.
//
//   - PayloadProcessor, QueryHeadProcessor: the stock processors.
//
// Usage Example:
//
//	config := common.ClientConfig{
//	  TimeoutSecond: 5,
//	  Transport:     common.ClientTransportConfig{Endpoint: "localhost:8080"},
//	}
//	ser := serializer.NewBinarySerializer()
//
//	s, err := client.Connect(ctx, tcp.NewConnector(config, ser), common.NullCredential{}, config)
//	if err != nil {
//	  return err
//	}
//	defer s.Close()
//
//	fut, _ := client.Send[[]byte](s, server.ServiceIDEcho, []byte("hello"), client.PayloadProcessor{}, false)
//	resp, err := fut.Get(ctx)
//
// Thread Safety:
//
//	A Session can be used concurrently from multiple goroutines. Requests beyond the
//	number of response slots are queued and sent in FIFO order.
package client
