package main

import "github.com/example/slotsniper/cmd"

func main() {
	cmd.Execute()
}
