package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"bigheads/runtime"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, "usage:\n")
	fmt.Fprintf(os.Stderr, "%s [-config PATH] [-db PATH]\n", os.Args[0])
}

func main() {
	configPath := flag.String("config", "", "path to the key=value config file (defaults built in if unset)")
	dbPath := flag.String("db", "bigheads.db", "path to the persistence database file")
	flag.Usage = printUsage
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var configFile *os.File
	if *configPath != "" {
		configFile, err = os.Open(*configPath)
		if err != nil {
			logger.Error("failed to open config file", zap.Error(err))
			os.Exit(int(runtime.ExitConfigError))
		}
		defer configFile.Close()
	} else {
		configFile, err = os.Open(os.DevNull)
		if err != nil {
			logger.Error("failed to open null config source", zap.Error(err))
			os.Exit(int(runtime.ExitConfigError))
		}
		defer configFile.Close()
	}

	rt, err := runtime.New(logger, configFile, *dbPath)
	if err != nil {
		exitOnStartupError(logger, "startup failed", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		exitOnStartupError(logger, "transport startup failed", err)
	}

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, os.Interrupt)
	<-term

	logger.Info("shutting down")
	if err := rt.Stop(); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		os.Exit(1)
	}
}

func exitOnStartupError(logger *zap.Logger, msg string, err error) {
	var startErr *runtime.StartupError
	if errors.As(err, &startErr) {
		logger.Error(msg, zap.Error(startErr.Err))
		os.Exit(int(startErr.Code))
	}
	logger.Error(msg, zap.Error(err))
	os.Exit(1)
}
