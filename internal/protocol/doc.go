// Package protocol defines the messages exchanged between the pyslim CLI and
// the pyslim daemon.
//
// Every message is an [Envelope] serialized as a single line of JSON. A
// connection carries exactly one exchange: the client writes a request
// envelope, the daemon writes a reply whose command is [CmdOK] or
// [CmdError], and the connection is closed.
//
//	{"version":1,"command":"build","payload":{"root":"/src/app"}}
//	{"version":1,"command":"ok","payload":{"output":"/src/app/dist",...}}
package protocol
