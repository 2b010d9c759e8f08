package main

import "github.com/convertica/convertica/cmd"

func main() {
	cmd.Execute()
}
