package main

import "github.com/mreed/walletkit/cmd/walletkit/cmd"

func main() {
	cmd.Execute()
}
