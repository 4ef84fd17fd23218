// Command msh runs the ebMS3/AS4 message service handler.
package main

import (
	"fmt"
	"os"

	"github.com/sirosfoundation/go-msh/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
