package main

import "github.com/cedarmesh/cedar/cmd"

func main() {
	cmd.Execute()
}
