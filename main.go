package main

import "github.com/alejoacosta74/busrelay/cmd"

func main() {
	cmd.Execute()
}
