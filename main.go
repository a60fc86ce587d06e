// The main package for the contentgen executable.
//
// Run locally with the in-memory backends:
//
//	go run . serve --with-worker
//
// Split the API and the consumer for production:
//
//	contentgen serve --config config.yaml
//	contentgen worker --config config.yaml
package main

import (
	"github.com/JakeFAU/contentgen-pipeline/cmd"
)

func main() {
	cmd.Execute()
}
