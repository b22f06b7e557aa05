// Package protocol defines the messages exchanged with the daemon.
//
// Every message is a JSON envelope on a single line. A connection carries
// one exchange: the client writes a request envelope, the daemon answers
// with an [CmdOK] or [CmdError] envelope and closes the connection. A client
// that disconnects early cancels the request.
//
//	{"version":1,"command":"build","payload":{"recipe":{...},"output":"dist"}}
//	{"version":1,"command":"ok","payload":{"output":"dist","images":["dist/image.tar"]}}
//
// [Call] performs one exchange over a Unix socket.
package protocol
