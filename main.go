package main

import "github.com/aceteam-ai/iris/cmd"

func main() {
	cmd.Execute()
}
