package main

import "github.com/visage/gateway/cmd/visage/cmd"

func main() {
	cmd.Execute()
}
