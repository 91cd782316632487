package main

import "github.com/theirongolddev/tokmon/cmd"

func main() {
	cmd.Execute()
}
