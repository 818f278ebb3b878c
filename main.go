package main

import "github.com/fockerev/bot-for-fmj/cmd"

func main() {
	cmd.Execute()
}
