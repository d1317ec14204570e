// Command filesyncd serves a git working tree for collaborative
// synchronization over a websocket JSON protocol.
package main

import (
	"fmt"
	"os"

	"github.com/jra3/filesyncd/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
