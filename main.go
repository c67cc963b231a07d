package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"project-mirage/internal/api"
	"project-mirage/internal/model"
	"project-mirage/internal/shell"
)

func main() {
	dataDir := flag.String("data", "data", "data directory")
	port := flag.Int("port", 0, "RPC port override (default from config)")
	flag.Parse()

	rpcPort := *port
	if rpcPort == 0 {
		rpcPort = model.DefaultConfig().RPCPort
	}

	// A second invocation becomes a thin client of the owning process.
	if api.Probe(rpcPort) {
		remote := shell.NewRemoteShell(api.NewClient(rpcPort))
		remote.Run(os.Stdin, os.Stdout)
		return
	}

	app, err := NewApp(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		go func() {
			<-sigs
			// Second interrupt: give up on graceful teardown.
			os.Exit(1)
		}()
		app.Shutdown()
		os.Exit(0)
	}()

	if err := app.Run(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		app.Shutdown()
		os.Exit(1)
	}
	app.Shutdown()
}
