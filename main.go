package main

import "tagsend/cli"

func main() {
	cli.Execute()
}
