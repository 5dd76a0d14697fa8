package main

import "github.com/4Players/odin-go/internal/cli"

func main() {
	cli.Execute()
}
