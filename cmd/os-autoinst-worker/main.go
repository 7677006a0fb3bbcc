// Command os-autoinst-worker drives one system-under-test: captures its
// screen, feeds a video encoder, matches needles, and tails its serial
// console, all commanded by a test runner over a pair of framed pipes.
package main

import (
	"context"
	"os"
)

func main() {
	root := NewRootCmd()
	root.SetContext(context.Background())
	root.SetOut(os.Stdout)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
