// Package mcp implements a client for remote tool servers speaking the Model
// Context Protocol (JSON-RPC 2.0). Servers run either as child processes
// exchanging framed messages over stdin/stdout ("pipe" transport) or as
// long-lived HTTP services pushing replies over a server-sent event stream
// ("stream" transport).
//
// A Manager connects every enabled server of a Config, performs the
// initialize handshake, discovers the tool catalogue and registers each entry
// in a tool.Registry as a remote-origin descriptor tagged with its server.
package mcp
