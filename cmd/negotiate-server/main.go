// Command negotiate-server runs server-side Negotiate authentication over
// HTTP or a line-oriented stdio harness.
package main

import (
	"fmt"
	"os"

	"github.com/smnsjas/go-negotiate/cmd/negotiate-server/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
