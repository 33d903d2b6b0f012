package main

import "github.com/b1tg/kvass/internal/cmd"

func main() {
	cmd.Execute()
}
