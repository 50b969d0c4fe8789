package main

import "github.com/inkwell-labs/inkwell-events/cmd"

func main() {
	cmd.Execute()
}
