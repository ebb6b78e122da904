package main

import "Narrato/cmd"

func main() {
	cmd.Execute()
}
