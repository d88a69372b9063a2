// Command linkguard registers, resolves and migrates privacy-preserving
// entity links against a configured linkguard store.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
