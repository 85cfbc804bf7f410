// Command gateway runs the edge video transformation gateway: an HTTP proxy
// that resolves request options and origins, serves cached transformed
// media, and falls back to an upstream transformation service (with retry
// and direct-fetch recovery) on a cache miss.
package main

import (
	"fmt"
	"os"

	"github.com/edgevideo/gateway/cmd/gateway/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
