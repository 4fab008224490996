// Package app assembles the relay from its configuration and runs it until
// the context ends.
package app

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/syrja/internal/config"
	"github.com/petervdpas/syrja/internal/directory"
	"github.com/petervdpas/syrja/internal/metrics"
	"github.com/petervdpas/syrja/internal/presence"
	"github.com/petervdpas/syrja/internal/ratelimit"
	"github.com/petervdpas/syrja/internal/relay"
	"github.com/petervdpas/syrja/internal/rendezvous"
	"github.com/petervdpas/syrja/internal/util"
	"github.com/petervdpas/syrja/internal/wakeup"
)

var log = logging.Logger("app")

type Options struct {
	// Directory that relative paths in Cfg are resolved against.
	BaseDir string
	CfgPath string
	Cfg     config.Config

	// Reload rate limits when the config file changes.
	Watch bool
}

// stores are the persistence handles for one run. endpoints shares the
// directory's connection.
type stores struct {
	directory directory.Store
	endpoints wakeup.EndpointStore
	sweep     func(ctx context.Context)
}

// Run starts every component and blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	clk := clock.New()

	st, err := openStores(ctx, opt.BaseDir, cfg.Store, clk)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.directory.Close(); err != nil {
			log.Warnw("closing store", "err", err)
		}
	}()

	pingCtx, cancel := context.WithTimeout(ctx, util.StoreTimeout)
	err = st.directory.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("store not reachable: %w", err)
	}
	if st.sweep != nil {
		go st.sweep(ctx)
	}

	var (
		push     wakeup.Notifier
		vapidPub string
	)
	if cfg.Push.Enabled {
		keys, err := wakeup.LoadOrCreateVAPIDKeys(util.ResolvePath(opt.BaseDir, cfg.Push.VAPIDKeyFile))
		if err != nil {
			return fmt.Errorf("vapid keys: %w", err)
		}
		wp := wakeup.NewWebPush(st.endpoints, keys, cfg.Push.Subscriber, seconds(cfg.Push.TTLSec))
		push = wp
		vapidPub = wp.PublicKey()
	}

	proxies, err := parseProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return err
	}

	m := metrics.New()
	limiter := ratelimit.New(cfg.RateLimit.Capacity, seconds(cfg.RateLimit.WindowSec), clk)
	go limiter.Run(ctx, seconds(cfg.RateLimit.SweepSec))

	pres := presence.NewService(presence.NewRegistry(), presence.NewIndex())

	relayKey := ""
	if cfg.Relay.Port > 0 {
		relayKey = util.ResolvePath(opt.BaseDir, cfg.Relay.KeyFile)
	}

	srv := rendezvous.New(rendezvous.Options{
		Addr:           net.JoinHostPort(cfg.Server.Bind, strconv.Itoa(cfg.Server.Port)),
		ExternalURL:    cfg.Server.ExternalURL,
		AdminPassword:  cfg.Server.AdminPassword,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		TrustedProxies: proxies,
		ICEServers:     cfg.Server.ICEServers,
		RelayPort:      cfg.Relay.Port,
		RelayKeyFile:   relayKey,
	}, rendezvous.Deps{
		Presence:       pres,
		Relay:          relay.New(pres.Registry, limiter, push, m),
		Limiter:        limiter,
		Directory:      directory.NewService(st.directory, clk),
		Push:           push,
		VAPIDPublicKey: vapidPub,
		Metrics:        m,
	})

	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Infow("rendezvous up", "url", srv.URL(), "store", cfg.Store.Driver, "push", cfg.Push.Enabled)

	if opt.Watch && opt.CfgPath != "" {
		err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
			srv.SetRateLimits(next.RateLimit.Capacity, seconds(next.RateLimit.WindowSec))
		})
		if err != nil {
			log.Warnw("config changes will not be picked up", "err", err)
		}
	}

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func openStores(ctx context.Context, baseDir string, sc config.Store, clk clock.Clock) (stores, error) {
	switch sc.Driver {
	case "redis":
		rs, err := directory.OpenRedis(ctx, sc.RedisAddr, sc.RedisPassword, sc.RedisDB, sc.RedisPrefix, clk)
		if err != nil {
			return stores{}, err
		}
		return stores{
			directory: rs,
			endpoints: wakeup.NewRedisEndpoints(rs.Client(), sc.RedisPrefix),
		}, nil

	case "sqlite", "":
		ss, err := directory.OpenSQLite(util.ResolvePath(baseDir, sc.SQLitePath), clk)
		if err != nil {
			return stores{}, err
		}
		eps, err := wakeup.NewSQLiteEndpoints(ss.DB())
		if err != nil {
			_ = ss.Close()
			return stores{}, err
		}
		interval := seconds(sc.SweepIntervalSec)
		return stores{
			directory: ss,
			endpoints: eps,
			sweep:     func(ctx context.Context) { ss.RunSweeper(ctx, interval) },
		}, nil

	default:
		return stores{}, fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

func parseProxies(raw []string) ([]*net.IPNet, error) {
	out := make([]*net.IPNet, 0, len(raw))
	for _, p := range raw {
		n, err := config.ParseProxy(p)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
