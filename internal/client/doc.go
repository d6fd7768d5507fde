// Package client talks to a running pyslim daemon over its Unix socket.
//
// Each call opens a connection, writes one request envelope and reads one
// reply. Cancelling the context closes the connection, which makes the
// daemon cancel the corresponding build.
package client
