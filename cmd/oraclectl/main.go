package main

import "oracle-consensus/internal/cli"

func main() {
	cli.Execute()
}
