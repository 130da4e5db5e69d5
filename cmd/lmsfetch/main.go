package main

import "lmsfetch/cmd/lmsfetch/cmd"

func main() {
	cmd.Execute()
}
