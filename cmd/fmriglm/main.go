package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"fmriglm/internal/cli"
)

func main() {
	// A .env in the working directory may set FMRIGLM_DATA_DIR and
	// friends; a missing file is fine.
	_ = godotenv.Load()

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
