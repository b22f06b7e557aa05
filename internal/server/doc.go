// Package server implements the cruxflow daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands
// from the cruxflow CLI. Each connection carries a single request-response
// exchange: the client sends a newline-delimited JSON envelope, the
// server dispatches the command, and writes the result back before
// closing the connection. A client that disconnects cancels its request.
//
// Build commands open a pipeline session for the duration of the build and
// run the recipe through the build package. Sessions share the persistent
// cache below the data directory, so builds and prunes are serialised.
// All sessions report to one set of collectors, which the daemon serves
// over HTTP when a metrics address is configured.
//
// Example usage:
//
//	srv, err := server.New(server.Config{
//	    MetricsAddress: "127.0.0.1:9464",
//	    Session: []pipeline.Option{
//	        pipeline.WithContainerd("/run/containerd/containerd.sock", "cruxflow"),
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
