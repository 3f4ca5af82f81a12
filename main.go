package main

import "github.com/arj01638/YakDiscBot/cmd"

func main() {
	cmd.Execute()
}
