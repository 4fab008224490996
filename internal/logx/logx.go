// Package logx configures the subsystem loggers used across the relay.
//
// Every package obtains its own logger with logging.Logger("<subsystem>");
// this package only decides levels and output format at startup.
package logx

import (
	"fmt"
	"strings"

	logging "github.com/ipfs/go-log/v2"
)

// Subsystems owned by this module. Listed so Setup can validate overrides
// before the loggers are first used.
var Subsystems = []string{
	"rendezvous",
	"presence",
	"relay",
	"directory",
	"wakeup",
	"config",
	"app",
}

// Setup applies the default level, per-subsystem overrides and output format.
// format is "color", "plain" or "json".
func Setup(level string, overrides map[string]string, format string) error {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}

	cfg := logging.Config{
		Format:          outputFormat(format),
		Level:           lvl,
		Stderr:          true,
		SubsystemLevels: map[string]logging.LogLevel{},
	}
	for name, raw := range overrides {
		l, err := logging.LevelFromString(raw)
		if err != nil {
			return fmt.Errorf("log.subsystems.%s: %w", name, err)
		}
		cfg.SubsystemLevels[name] = l
	}
	logging.SetupLogging(cfg)

	// libp2p is chatty at info; keep the relay host readable.
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("autonat", "warn")
	return nil
}

func outputFormat(s string) logging.LogFormat {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return logging.JSONOutput
	case "plain", "text":
		return logging.PlaintextOutput
	default:
		return logging.ColorizedOutput
	}
}
