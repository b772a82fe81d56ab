// Package client is a Go client for the gateway's TCP session protocol.
//
//	c, err := client.Dial(ctx, "127.0.0.1:6666", logger)
//	...
//	if err := c.Start(); err != nil { ... }
//	reply, err := c.Do(ctx, "output[1].volts = 3")
//
// Requests carry increasing ids and replies are matched to them, so Do may
// be called from several goroutines. The gateway stays silent when the
// device does not answer; Do then returns ErrNoReply once ctx is done.
//
// Check asks whether the device is free. It uses up the connection, as the
// gateway closes it after answering.
package client
