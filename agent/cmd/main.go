package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/Scusemua/go-utils/config"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"

	"github.com/scusemua/distributed-cluster/agent/daemon"
	"github.com/scusemua/distributed-cluster/common/tracing"
	"github.com/scusemua/distributed-cluster/common/utils"
)

const (
	ServiceName = "cluster-agent"
)

var (
	options      = daemon.AgentOptions{}
	globalLogger = config.GetLogger("")
	sig          = make(chan os.Signal, 1)
)

func init() {
	lipgloss.SetColorProfile(termenv.ANSI256)

	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
}

// ValidateOptions ensures that the options/configuration is valid.
func ValidateOptions() {
	flags, err := config.ValidateOptions(&options)
	if errors.Is(err, config.ErrPrintUsage) {
		flags.PrintDefaults()
		os.Exit(0)
	} else if err != nil {
		log.Fatal(err)
	}

	if err = options.Validate(); err != nil {
		log.Fatal(err)
	}
}

// Create and run the debug HTTP server.
// We don't have any meaningful endpoints that we add directly.
// But we include the following import statement at the top of this file:
//
//	_ "net/http/pprof"
//
// This adds several key debug endpoints.
//
// Important: this should be called from its own goroutine.
func createAndStartDebugHttpServer() {
	var address = fmt.Sprintf(":%d", options.DebugPort)
	log.Printf("Serving debug HTTP server: %s\n", address)

	if err := http.ListenAndServe(address, nil); err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}

func initTracer() {
	if options.JaegerAddr == "" {
		return
	}

	globalLogger.Info("Initializing jaeger agent [service name: %v | host: %v]...", ServiceName, options.JaegerAddr)
	if _, err := tracing.Init(ServiceName, options.JaegerAddr); err != nil {
		log.Fatalf("Got error while initializing jaeger agent: %v", err)
	}
	globalLogger.Info("Jaeger agent initialized")
}

func finalize() {
	if err := recover(); err != nil {
		globalLogger.Error(utils.RedStyle.Render("Recovered from fatal error: %v"), err)
		debug.PrintStack()
		os.Exit(1)
	}
}

func main() {
	defer finalize()

	ValidateOptions()

	if options.PrettyPrintOptions {
		globalLogger.Info("Starting the Cluster Agent with the following options:\n%s\n",
			options.PrettyString(2))
	} else {
		globalLogger.Info("Starting the Cluster Agent.")
	}

	if options.DebugMode {
		go createAndStartDebugHttpServer()
	}

	initTracer()

	ctx := context.Background()

	agent, err := daemon.New(ctx, &options)
	if err != nil {
		log.Fatalf("Failed to build the agent daemon: %v", err)
	}

	if err = agent.Start(ctx); err != nil {
		log.Fatalf("Failed to start the agent daemon: %v", err)
	}

	globalLogger.Info(utils.GreenStyle.Render("Agent %s is running. RPC: %s."), agent.Id(), agent.Addr())

	select {
	case received := <-sig:
		globalLogger.Info("Received signal %v. Shutting down...", received)
	case <-agent.ShutdownRequested():
		globalLogger.Info("The gateway requested a shutdown. Shutting down...")
	}

	if err = agent.Close(); err != nil {
		globalLogger.Error(utils.RedStyle.Render("Error during shutdown: %v"), err)
		os.Exit(1)
	}

	globalLogger.Info("Shutdown complete.")
}
