package main

import "xdp-conntrack/cmd/conn-tracker/cmd"

func main() {
	cmd.Execute()
}
