// Package main is the single-binary entrypoint for solvepad.
// solvepad turns batches of coding exercises into solved, runnable PDFs.
package main

import "github.com/solvepad/solvepad/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
