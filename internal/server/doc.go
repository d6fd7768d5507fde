// Package server implements the pyslim daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands from
// the pyslim CLI. Each connection carries a single request-response
// exchange: the client sends a newline-delimited JSON envelope, the server
// dispatches the command and writes the result back before closing the
// connection. A client that disconnects mid-build cancels the build.
//
// Build commands load the project definition at the requested root and run
// the resulting recipe through the build package against containerd.
//
// Example usage:
//
//	srv, err := server.New(server.Config{
//	    ContainerdAddress:   "/run/containerd/containerd.sock",
//	    ContainerdNamespace: "pyslim",
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
//	<-srv.Done()
package server
