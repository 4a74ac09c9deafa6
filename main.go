package main

import "github.com/tanq16/rangeget/cmd"

func main() {
	cmd.Execute()
}
