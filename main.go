package main

import "github.com/nextlevelbuilder/ussdgate/cmd"

func main() {
	cmd.Execute()
}
