package main

import "promptwatch/cmd/cli"

func main() {
	cli.Execute()
}
