package main

import "github.com/SoarinFerret/ChannelWarden/cmd/cwctl/arg"

func main() {
	arg.Execute()
}
