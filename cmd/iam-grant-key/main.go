// Package main prints a fresh session grant signing key as shell exports.
package main

import (
	"os"

	"github.com/louisbranch/iam/internal/platform/config"
	"github.com/louisbranch/iam/internal/tools/grantkey"
)

func main() {
	if err := grantkey.Run(os.Stdout, nil); err != nil {
		config.Exitf("generate grant key: %v", err)
	}
}
