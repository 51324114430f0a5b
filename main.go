package main

import "github.com/wationgarbarad-glitch/ouroboros-desktop/cmd"

func main() {
	cmd.Execute()
}
