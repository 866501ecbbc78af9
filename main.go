package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/CosmoTheDev/ctrlscan-cache/cmd"
)

func main() {
	cmd.Execute()
}
