package main

import (
	"os"

	"github.com/hitoshi/hnarchive/internal/app"
	"github.com/hitoshi/hnarchive/internal/model"
)

func main() {
	if err := app.Run(os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		if model.IsConfigError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
