// Command asyncdbd is the ingestion-side database pool daemon: it loads
// a pool config, drives every connection's non-blocking protocol state
// machine off a shared event loop, and exposes pool lifecycle and
// health over a gorilla/mux admin API.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medialoop/asyncdb/internal/api"
	"github.com/medialoop/asyncdb/internal/config"
	"github.com/medialoop/asyncdb/internal/driver"
	"github.com/medialoop/asyncdb/internal/driver/mysql"
	"github.com/medialoop/asyncdb/internal/driver/postgres"
	"github.com/medialoop/asyncdb/internal/evloop"
	"github.com/medialoop/asyncdb/internal/health"
	"github.com/medialoop/asyncdb/internal/metrics"
	"github.com/medialoop/asyncdb/internal/pool"
	"github.com/medialoop/asyncdb/internal/registry"
)

const (
	statsLoopInterval   = 5 * time.Second
	healthCheckInterval = 10 * time.Second
	healthFailThreshold = 3
	healthCheckTimeout  = 5 * time.Second
	eventLoopDepth      = 1024
)

func main() {
	configPath := flag.String("config", "configs/asyncdbd.yaml", "path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("asyncdbd starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	log.Printf("configuration loaded from %s (%d pools)", *configPath, len(cfg.Pools))

	drivers := driver.NewRegistry()
	postgres.Register(drivers, "postgres")
	mysql.Register(drivers, "mysql")

	loop := evloop.New(eventLoopDepth)
	m := metrics.New()
	reg := registry.New()

	if err := loadPools(reg, drivers, cfg); err != nil {
		log.Fatalf("failed to build pools: %v", err)
	}

	hc := health.NewChecker(reg, m, loop, healthCheckInterval, healthFailThreshold, healthCheckTimeout)
	hc.Start()

	go reportPoolStats(reg, m, statsLoopInterval)

	apiServer := api.NewServer(reg, drivers, loop, hc, m, cfg.Admin, cfg.Defaults)
	if err := apiServer.Start(cfg.Admin.Port); err != nil {
		log.Fatalf("failed to start admin API: %v", err)
	}

	configWatcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		log.Printf("reloading pool configuration...")
		reconcilePools(reg, drivers, newCfg)
	})
	if err != nil {
		log.Printf("warning: config hot-reload not available: %v", err)
	}

	log.Printf("asyncdbd ready - admin:%d pools:%d", cfg.Admin.Port, len(reg.Aliases()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %s, shutting down...", sig)

	if configWatcher != nil {
		configWatcher.Stop()
	}
	apiServer.Stop()
	hc.Stop()
	for _, alias := range reg.Aliases() {
		p, err := reg.Get(alias)
		if err != nil {
			continue
		}
		p.MarkClosing()
		p.CloseAllConns()
	}
	loop.Close()

	log.Printf("asyncdbd stopped")
}

// loadPools builds one pool.Pool per configured alias and adds it to reg.
func loadPools(reg *registry.Registry, drivers *driver.Registry, cfg *config.Config) error {
	for alias, pc := range cfg.Pools {
		factory, err := drivers.Resolve(pc.DriverName)
		if err != nil {
			return err
		}

		reg.Add(alias, pool.New(pool.Config{
			Alias:      alias,
			DriverName: pc.DriverName,
			Factory:    factory,
			Detail: driver.ConnDetail{
				Host:     pc.Host,
				Port:     pc.Port,
				DBName:   pc.DBName,
				DBUser:   pc.Username,
				DBPasswd: pc.Password,
			},
			Capacity:       pc.EffectiveCapacity(cfg.Defaults),
			IdleTimeout:    pc.EffectiveIdleTimeout(cfg.Defaults),
			BulkLimitBytes: pc.EffectiveBulkQueryLimitBytes(cfg.Defaults),
			Delimiter:      "; ",
		}))
		log.Printf("pool %s registered (%s at %s:%d)", alias, pc.DriverName, pc.Host, pc.Port)
	}
	return nil
}

// reconcilePools adds newly configured pools and drains+removes pools
// that disappeared from the reloaded config. Pools present in both are
// left running: resizing an existing pool's capacity is the operator's
// job via the admin API, not an implicit side effect of a file edit.
func reconcilePools(reg *registry.Registry, drivers *driver.Registry, cfg *config.Config) {
	existing := make(map[string]bool)
	for _, alias := range reg.Aliases() {
		existing[alias] = true
	}

	for alias, pc := range cfg.Pools {
		if existing[alias] {
			continue
		}
		factory, err := drivers.Resolve(pc.DriverName)
		if err != nil {
			log.Printf("skipping new pool %s: %v", alias, err)
			continue
		}
		reg.Add(alias, pool.New(pool.Config{
			Alias:      alias,
			DriverName: pc.DriverName,
			Factory:    factory,
			Detail: driver.ConnDetail{
				Host:     pc.Host,
				Port:     pc.Port,
				DBName:   pc.DBName,
				DBUser:   pc.Username,
				DBPasswd: pc.Password,
			},
			Capacity:       pc.EffectiveCapacity(cfg.Defaults),
			IdleTimeout:    pc.EffectiveIdleTimeout(cfg.Defaults),
			BulkLimitBytes: pc.EffectiveBulkQueryLimitBytes(cfg.Defaults),
			Delimiter:      "; ",
		}))
		log.Printf("pool %s added via hot-reload", alias)
	}

	for alias := range existing {
		if _, ok := cfg.Pools[alias]; ok {
			continue
		}
		p, err := reg.Get(alias)
		if err != nil {
			continue
		}
		p.MarkClosing()
		p.CloseAllConns()
		reg.Remove(alias)
		log.Printf("pool %s removed via hot-reload", alias)
	}
}

// reportPoolStats periodically pushes every pool's Stats into Prometheus
// gauges, the way the teacher's pool.Manager.StartStatsLoop does.
func reportPoolStats(reg *registry.Registry, m *metrics.Collector, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		for _, alias := range reg.Aliases() {
			p, err := reg.Get(alias)
			if err != nil {
				continue
			}
			st := p.Stats()
			m.UpdatePoolStats(st.Alias, st.DriverName, st.Active, st.Idle, st.Total, st.Capacity)
		}
	}
}
