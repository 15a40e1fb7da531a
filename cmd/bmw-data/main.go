package main

import (
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/BertilJ/bmw-data/cmd/bmw-data/app"
)

func main() {
	if err := app.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
