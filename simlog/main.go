// Command simlog runs the bundled example simulations and inspects the event
// logs they produce.
package main

import "github.com/sarchlab/simlog/simlog/cmd"

func main() {
	cmd.Execute()
}
