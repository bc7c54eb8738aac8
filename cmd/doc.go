// Package cmd implements the command-line interface of dLink. It starts the
// reference server and calls its services through a client session.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures the reference server (echo, sequence and status services)
//   - call: Client commands (echo, status, query) and a performance test
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See dlink -help for a list of all commands.
package cmd
