// Command pluginhostd is a CLI harness that wires the plugin execution
// core together for local exercising: discover plugins under a root
// folder, then invoke one by name with a JSON input map. It stands in for
// the gRPC/REST front doors, which are out of scope for this service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/databook-run/pluginhost/engine"
	"github.com/databook-run/pluginhost/gateway"
	"github.com/databook-run/pluginhost/registry"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	pluginsRoot := flag.String("plugins", "./plugins", "root folder containing plugin subdirectories")
	name := flag.String("invoke", "", "name of the plugin to invoke")
	inputJSON := flag.String("input", "{}", "JSON object of string->string input passed to the plugin")
	flag.Parse()

	if *name == "" {
		slog.Error("pluginhostd: -invoke is required")
		os.Exit(1)
	}

	var input map[string]string
	if err := json.Unmarshal([]byte(*inputJSON), &input); err != nil {
		slog.Error("pluginhostd: -input must be a JSON object of strings", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	eng, err := engine.New(ctx)
	if err != nil {
		slog.Error("pluginhostd: failed to start engine", "error", err)
		os.Exit(1)
	}
	defer func() { _ = eng.Close(ctx) }()

	reg := registry.New(*pluginsRoot, eng)
	if err := reg.Load(ctx); err != nil {
		slog.Error("pluginhostd: failed to load plugins", "error", err)
		os.Exit(1)
	}
	slog.Info("pluginhostd: loaded plugins", "names", reg.Names())

	gw := gateway.New(reg)

	result, err := gw.Invoke(ctx, *name, input)
	if err != nil {
		slog.Error("pluginhostd: invocation failed", "plugin", *name, "error", err)
		os.Exit(1)
	}

	fmt.Println(result)
}
