package main

import "github.com/gbianchi/bookshop/cmd/bookshop/cmd"

func main() {
	cmd.Execute()
}
