// Package session keeps the shell's open MQTT connections.
//
// A Registry stores every live client under (host, client identifier) and
// tracks the context client, the one shell commands act on by default. It
// is the single place where synchronous shell commands meet disconnect
// notifications arriving on the MQTT libraries' network goroutines.
//
// The registry guarantees that the context client is always a connected
// client present in the store. When a client drops, the registry removes
// it, clears the context if it pointed at it, tells the context listeners
// and, unless the user asked for the disconnect, writes an interruption
// notice to the terminal.
//
// Context listeners run synchronously, in registration order, on whichever
// goroutine caused the change. They may read the registry but must not
// modify it or block.
package session
