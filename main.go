// Command appdraft runs the agentic application-generation server.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "status":
		status(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  appdraft serve [--config <appdraft.yaml>] [--addr <host:port>]")
	fmt.Fprintln(os.Stderr, "  appdraft status --trace <id> [--addr <host:port>]")
}
