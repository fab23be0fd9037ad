package main

import (
	"os"

	"github.com/nuetzliches/ingestq/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
