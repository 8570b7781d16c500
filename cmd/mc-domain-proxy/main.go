package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/itzg/go-flagsfiller"
	"github.com/mcloudtw/mc-domain-proxy/server"
	"github.com/sirupsen/logrus"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func showVersion() {
	fmt.Printf("%v, commit %v, built at %v", version, commit, date)
}

func main() {
	var config server.Config
	var versionFlag bool
	flag.BoolVar(&versionFlag, "version", false, "Output version and exit")

	filler := flagsfiller.New(flagsfiller.WithEnv("MC_PROXY"))
	err := filler.Fill(flag.CommandLine, &config)
	if err != nil {
		logrus.WithError(err).Fatal("Unable to set up configuration")
	}
	flag.Parse()

	if versionFlag {
		showVersion()
		os.Exit(0)
	}

	if config.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())

	proxyServer, err := server.NewServer(ctx, &config)
	if err != nil {
		logrus.WithError(err).Fatal("Unable to set up server")
	}

	interruptChan := make(chan os.Signal, 1)
	signal.Notify(interruptChan, os.Interrupt, syscall.SIGTERM)

	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	go func() {
		for range hupChan {
			proxyServer.ReloadRoutes()
		}
	}()

	go func() {
		<-interruptChan
		logrus.Info("Stopping")
		cancel()
	}()

	proxyServer.Run()
}
