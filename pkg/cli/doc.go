// Package cli implements the mqttsh command line: the interactive shell
// and the one-shot pub, sub, test and broker commands.
package cli
