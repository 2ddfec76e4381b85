package main

import "github.com/applesign/resigner/cmd"

func main() {
	cmd.Execute()
}
