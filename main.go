package main

import (
	"fmt"
	"os"

	"flora-session/internal/app"
)

func main() {
	if err := app.Run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "flora-session:", err)
		os.Exit(1)
	}
}
