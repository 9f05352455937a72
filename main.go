package main

import "github.com/sierra-m/olliebot/cmd"

func main() {
	cmd.Execute()
}
