// Command sdap-bff is the backend-for-frontend for the secure document
// access platform.
package main

import (
	"os"

	"github.com/securedocs/sdap/cmd/sdap-bff/app"
	"github.com/securedocs/sdap/pkg/logger"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
