// Package main provides the entry point for the webserv CLI.
package main

import (
	"fmt"
	"os"

	"github.com/searchktools/webserv/cmd/webserv/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
