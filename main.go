package main

import "github.com/encodeous/nbns/cmd"

func main() {
	cmd.Execute()
}
