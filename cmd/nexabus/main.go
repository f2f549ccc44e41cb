// Command nexabus runs the plugin host. The same binary serves two roles:
// `nexabus serve` brings up the control plane, and `nexabus child` is what
// the host re-execs for each plugin process. Plugins are compiled in and
// selected by their manifest entry name.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nexabus/nexabus/child"
	"github.com/nexabus/nexabus/config"
	"github.com/nexabus/nexabus/freeze"
	"github.com/nexabus/nexabus/host"
	"github.com/nexabus/nexabus/ipc"
	"github.com/nexabus/nexabus/logging"
	"github.com/nexabus/nexabus/plugin"
	"github.com/nexabus/nexabus/runtime"

	_ "github.com/nexabus/nexabus/plugin/examples/echotimer"
)

func main() {
	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(args)
	case "child":
		err = runChild(args)
	case "version":
		fmt.Println("nexabus sdk " + runtime.SDKVersion)
	default:
		err = fmt.Errorf("unknown command %q (want serve, child, or version)", cmd)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "nexabus:", err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configFile := fs.String("config", os.Getenv("NEXABUS_CONFIG_FILE"), "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	settings, err := config.LoadSettings(config.Options{
		Path:      *configFile,
		FileType:  "yaml",
		EnvPrefix: "NEXABUS",
	})
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Director = settings.LogDir
	logCfg.Level = settings.LogLevel
	logging.Init(logCfg)
	logger := logging.Global()
	defer logger.Sync()

	cp, err := runtime.New(settings, logger)
	if err != nil {
		return err
	}
	cp.Launcher = &host.ExecLauncher{
		ConfigFile:    *configFile,
		MaxFrameBytes: settings.MessagePlaneMaxFrameBytes,
		Logger:        logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cp.Bootstrap(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stop()
	logger.Info("shutdown signal received")

	sctx, cancel := context.WithTimeout(context.Background(),
		settings.ShutdownTotalTimeout()+10*time.Second)
	defer cancel()
	return cp.Shutdown(sctx)
}

func runChild(args []string) error {
	fs := flag.NewFlagSet("child", flag.ExitOnError)
	pluginID := fs.String("plugin-id", "", "plugin id")
	entry := fs.String("entry", "", "factory entry name")
	configFile := fs.String("config", os.Getenv("NEXABUS_CONFIG_FILE"), "config file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pluginID == "" || *entry == "" {
		return fmt.Errorf("child requires --plugin-id and --entry")
	}

	settings, err := config.LoadSettings(config.Options{
		Path:      *configFile,
		FileType:  "yaml",
		EnvPrefix: "NEXABUS",
	})
	if err != nil {
		return err
	}

	// Stdout is the frame channel; the child may only log to files and stderr.
	logCfg := logging.DefaultConfig()
	logCfg.Director = settings.LogDir
	logCfg.Level = settings.LogLevel
	logCfg.LogInTerminal = false
	logger := logging.NewLogger(logCfg).Named("child").With(zap.String("plugin_id", *pluginID))
	defer logger.Sync()

	factory, err := plugin.LookupFactory(*entry)
	if err != nil {
		return err
	}
	backend, err := freeze.NewBackend(settings.CheckpointPersistMode, settings.CheckpointDir)
	if err != nil {
		return err
	}

	cfgSvc := config.NewPluginConfigService(settings.PluginConfigDir)
	var provider plugin.ConfigProvider = plugin.EmptyConfig()
	if values, err := cfgSvc.Effective(*pluginID); err == nil {
		provider = plugin.NewPluginConfigEntry(*pluginID, true, values)
	} else {
		logger.Warn("plugin config not loaded", zap.Error(err))
	}

	conn := ipc.NewStreamConn(os.Stdin, os.Stdout, os.Stdout, settings.MessagePlaneMaxFrameBytes)
	runner, err := child.NewRunner(child.Options{
		PluginID:        *pluginID,
		Factory:         factory,
		Conn:            conn,
		Logger:          logger,
		Config:          provider,
		ExecTimeout:     settings.ExecutionTimeout(),
		PollTimeout:     settings.CommandPollTimeout(),
		Freeze:          backend,
		CheckpointMode:  plugin.CheckpointMode(settings.CheckpointPersistMode),
		CheckpointEvery: settings.CheckpointInterval(),
	})
	if err != nil {
		return err
	}
	return runner.Run(context.Background())
}
