package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"
	flag "github.com/spf13/pflag"

	"github.com/petervdpas/syrja/internal/app"
	"github.com/petervdpas/syrja/internal/config"
	"github.com/petervdpas/syrja/internal/logx"
)

var (
	cfgPath = flag.StringP("config", "c", "syrja.json", "Path to the config file (created with defaults if missing)")
	initCfg = flag.Bool("init", false, "Write the config file if missing and exit")
	noWatch = flag.Bool("no-watch", false, "Do not reload rate limits when the config file changes")
	version = flag.BoolP("version", "v", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

var log = logging.Logger("app")

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("syrja v%s\n", appVersion)
		return
	}

	absCfg, err := filepath.Abs(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config path: %v\n", err)
		os.Exit(1)
	}

	cfg, created, err := config.Ensure(absCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Wrote default config to %s\n", absCfg)
	}
	if *initCfg {
		return
	}

	if err := logx.Setup(cfg.Log.Level, cfg.Log.Subsystems, cfg.Log.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log settings: %v\n", err)
		os.Exit(1)
	}

	printBanner(absCfg, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{
		BaseDir: filepath.Dir(absCfg),
		CfgPath: absCfg,
		Cfg:     cfg,
		Watch:   !*noWatch,
	}); err != nil {
		log.Errorw("rendezvous failed", "err", err)
		stop()
		os.Exit(1)
	}
}

func printBanner(cfgPath string, cfg config.Config) {
	fmt.Println("syrja rendezvous", appVersion)
	fmt.Printf("Config file:  %s\n", cfgPath)
	fmt.Printf("Listening on: %s:%d\n", cfg.Server.Bind, cfg.Server.Port)
	fmt.Printf("Store:        %s\n", cfg.Store.Driver)
	if cfg.Push.Enabled {
		fmt.Println("Wake-up:      web push")
	}
	if cfg.Relay.Port > 0 {
		fmt.Printf("Relay port:   %d\n", cfg.Relay.Port)
	}
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}
