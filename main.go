package main

import "github.com/p16-hash/polyterminal-automation/cmd"

func main() {
	cmd.Execute()
}
