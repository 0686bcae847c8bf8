package main

import "github.com/paasctl/paasctl/cmd"

func main() {
	cmd.Execute()
}
