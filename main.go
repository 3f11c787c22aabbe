package main

import "github.com/jmehdipour/evently/cmd"

func main() {
	cmd.Execute()
}
