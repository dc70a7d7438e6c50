package main

import "github.com/illmade-knight/teststation/cmd"

func main() {
	cmd.Execute()
}
