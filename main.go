package main

import "github.com/Manu343726/stubdbg/cmd"

func main() {
	cmd.Execute()
}
