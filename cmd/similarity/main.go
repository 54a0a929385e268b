package main

import (
	"os"

	"horse.fit/similarity/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
