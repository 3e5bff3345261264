package main

import "github.com/mcclowin/probots/cmd"

func main() {
	cmd.Execute()
}
