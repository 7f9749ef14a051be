package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/uplog/uplog"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := logrus.New()
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	conf, err := uplog.LoadConfig(*configPath)
	if err != nil {
		logger.Fatalf("Error loading config: %v", err)
	}
	conf.Logger = logger

	node, err := uplog.New(conf, nil)
	if err != nil {
		logger.Fatalf("Error opening replica: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"dataDir": conf.DataDir,
		"root":    node.Root(),
	}).Info("Replica opened")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("Received %s, shutting down", sig)

	node.Close()
}
