package main

import "github.com/tabcast/tabcast/cmd"

func main() {
	cmd.Execute()
}
