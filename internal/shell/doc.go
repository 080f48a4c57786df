// Package shell implements the interactive mqttsh shell.
//
// Each input line is split like a POSIX shell would and dispatched to a
// fresh cobra command tree, so flags never leak from one line to the next.
// Commands act on the context client of a session.Registry; the prompt
// follows the context through a registry listener.
package shell
