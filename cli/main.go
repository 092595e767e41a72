package main

import "southwinds.dev/sealog/cli/cmd"

func main() {
	cmd.Execute()
}
