package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/takehaya/nfqbridge/pkg/bridge"
	"github.com/takehaya/nfqbridge/pkg/config"
	"github.com/takehaya/nfqbridge/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

const defaultConfigPath = "/etc/nfqbridge/nfqbridge.yaml"

func main() {
	app := newApp(version)
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func newApp(version string) *cli.App {
	app := cli.NewApp()
	app.Name = "nfqbridge"
	app.Version = fmt.Sprintf("%s, %s, %s, %s", version, commit, date, builtBy)

	app.Usage = "Userspace verdicts for netfilter queues"

	app.EnableBashCompletion = true

	// Common flags for the main run command
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c", "cfg"},
			Value:   defaultConfigPath,
			Usage:   "config path",
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Usage:  "bind the configured queues and serve verdicts",
			Action: run,
		},
		{
			Name:   "check",
			Usage:  "validate the config file and print the queues it binds",
			Action: check,
		},
	}
	app.Action = run
	return app
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	configPath := ctx.String("config")

	if !config.FileExists(configPath) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}
	c, err := config.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config error: %w", err)
	}
	return c, nil
}

func check(ctx *cli.Context) error {
	c, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	w := ctx.App.Writer
	fmt.Fprintf(w, "%s: ok\n", c.Configpath)
	for _, q := range c.Setting.Queues {
		opts, _ := q.Options()
		fmt.Fprintf(w, "queue %d: copy=%s maxlen=%d fail_open=%v batch=%v\n",
			q.Number, opts.CopyMode, opts.MaxLen, opts.FailOpen, opts.Batch)
	}
	fmt.Fprintf(w, "policy: default=%s rules=%d\n", c.Setting.Policy.Default, len(c.Setting.Policy.Rules))
	return nil
}

func run(ctx *cli.Context) error {
	c, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	lg, cleanup, err := logger.NewLogger(c.InternalConfig.Logger)
	if err != nil {
		return fmt.Errorf("fail to create logger: %w", err)
	}
	defer func() { _ = cleanup(context.Background()) }()

	sigCtx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := bridge.NewBridge(c, lg, bridge.Options{})
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.Close(cctx); err != nil {
			lg.Warn("fail to close bridge", zap.Error(err))
		}
	}()

	if err := b.Bind(sigCtx); err != nil {
		return err
	}
	lg.Info("nfqbridge started", zap.Uint16s("queues", b.Queues()), zap.String("version", version))

	err = b.Run(sigCtx)
	lg.Info("nfqbridge stopped")
	return err
}
