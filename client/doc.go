// Package client provides a Go client for the Durable Streams protocol.
//
// Durable Streams is an HTTP-based protocol for creating, appending to, and
// reading from durable, append-only byte streams. This client implements
// the protocol with support for catch-up reads and live tailing via
// long-poll or SSE.
//
// # Basic usage
//
// Create a client and stream handle:
//
//	c := client.NewClient()
//	stream := c.Stream("https://example.com/streams/my-stream")
//
// Create a new stream:
//
//	err := stream.Create(ctx, client.WithContentType("application/json"))
//
// Append data:
//
//	result, err := stream.Append(ctx, []byte(`{"event": "test"}`))
//	fmt.Println("Next offset:", result.NextOffset)
//
// Read with an iterator:
//
//	it := stream.Read(ctx)
//	defer it.Close()
//
//	for {
//	    chunk, err := it.Next()
//	    if errors.Is(err, client.Done) {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(string(chunk.Data))
//	}
//
// # Live tailing
//
//	it := stream.Read(ctx, client.WithLive(client.LiveModeLongPoll))
//	defer it.Close()
//
// # Idempotent producers
//
// For exactly-once writes under retries, use IdempotentProducer:
//
//	producer, err := c.IdempotentProducer(stream.URL(), "order-service-1",
//	    client.DefaultIdempotentProducerConfig())
//	defer producer.Close()
//	result, err := producer.Append(ctx, []byte("message"))
//
// # Error handling
//
//	if errors.Is(err, client.ErrStreamNotFound) {
//	    // Handle 404
//	}
//
//	var se *client.StreamError
//	if errors.As(err, &se) {
//	    fmt.Println("Status:", se.StatusCode)
//	}
package client
