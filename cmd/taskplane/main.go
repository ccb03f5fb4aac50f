package main

import "github.com/animus-coder/taskplane/internal/cli"

func main() {
	cli.Execute()
}
