package main

import (
	"go-modelvault/cmd/modelvault/cmd"
)

func main() {
	cmd.Execute()
}
