// Command recordcache runs the offline-capable record cache.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/recordcache/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
