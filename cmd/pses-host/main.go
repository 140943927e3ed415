// Command pses-host runs an interactive PowerShell console through the
// pses-host execution core.
package main

import (
	"fmt"
	"os"
	"os/signal"
)

func main() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)

	a := newApp(os.Stdin, os.Stdout, os.Stderr)
	a.signals = sigs
	if err := a.rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
