// Command settlementctl is the operator tool for the settlement service: it mints
// tokens, applies the schema and verifies billing sessions against the database.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
