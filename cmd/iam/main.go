// Package main starts the IAM service process lifecycle.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	iamcmd "github.com/louisbranch/iam/internal/cmd/iam"
	"github.com/louisbranch/iam/internal/platform/config"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		config.Exitf("load env: %v", err)
	}
	cfg, err := iamcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := iamcmd.Run(ctx, cfg); err != nil {
		config.Exitf("failed to serve: %v", err)
	}
}
