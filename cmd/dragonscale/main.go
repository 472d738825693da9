// Command dragonscale plans and executes tasks on the adaptive engine
// using the built-in simulated tools.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		fatal(err)
		os.Exit(1)
	}
}
