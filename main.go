package main

import "github.com/clawlite/clawlite/cmd"

func main() {
	cmd.Execute()
}
