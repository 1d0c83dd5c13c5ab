package main

import (
	"os"

	"horse.fit/shoplens/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
