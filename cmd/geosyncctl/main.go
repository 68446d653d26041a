package main

import "github.com/BearBump/GeoSync/internal/cli"

func main() {
	cli.Execute()
}
