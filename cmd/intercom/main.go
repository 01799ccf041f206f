// Command intercom is the push-to-talk audio endpoint.
//
// Usage:
//
//	intercom [--config file] <command> [flags]
//
// Commands:
//
//	run   - connect to the peer and serve the push-to-talk endpoint
//	peer  - run the bundled peer server that collects and echoes takes
//	tone  - play the diagnostic tone on the local output
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "intercom:", err)
		os.Exit(1)
	}
}
