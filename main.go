package main

import "github.com/jimi-agent/jimi/cmd"

func main() {
	cmd.Execute()
}
