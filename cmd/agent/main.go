package main

import "github.com/stemsi/exstem-guard/internal/cli"

func main() {
	cli.Execute()
}
