package main

import "github.com/nextlevelbuilder/jobrunner/cmd"

func main() {
	cmd.Execute()
}
