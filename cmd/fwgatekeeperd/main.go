// Command fwgatekeeperd is the background daemon that owns the durable
// store, the rule engine, the platform enforcer, the monitor loop, the L7
// proxy, and the operator API. It runs as a single process per host.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Vaidhanik/Firewall-sub000/internal/attributor"
	"github.com/Vaidhanik/Firewall-sub000/internal/config"
	"github.com/Vaidhanik/Firewall-sub000/internal/enforcer"
	"github.com/Vaidhanik/Firewall-sub000/internal/enforcer/linux"
	"github.com/Vaidhanik/Firewall-sub000/internal/enforcer/pf"
	"github.com/Vaidhanik/Firewall-sub000/internal/enforcer/windows"
	"github.com/Vaidhanik/Firewall-sub000/internal/engine"
	"github.com/Vaidhanik/Firewall-sub000/internal/filesys"
	"github.com/Vaidhanik/Firewall-sub000/internal/log"
	"github.com/Vaidhanik/Firewall-sub000/internal/monitor"
	"github.com/Vaidhanik/Firewall-sub000/internal/proxy"
	"github.com/Vaidhanik/Firewall-sub000/internal/resolver"
	"github.com/Vaidhanik/Firewall-sub000/internal/store"
	"github.com/Vaidhanik/Firewall-sub000/pkg/api"
)

func main() {
	cfg, err := config.New().Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	if os.Geteuid() != 0 {
		log.Fatal("fwgatekeeperd must run as root")
	}

	enf, err := enforcer.Select(enforcer.Builders{
		Linux:   func() enforcer.Capability { return linux.New(ownerUID()) },
		Darwin:  func() enforcer.Capability { return pf.New() },
		Windows: func() enforcer.Capability { return windows.New() },
	})
	if err != nil {
		log.Errorf("platform selection: %v", err)
		os.Exit(2)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	res := resolver.New(cfg.Rules.DNSTimeout)

	eng := engine.New(st, res, enf, cfg.Rules.StalenessThreshold)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Warm(ctx); err != nil {
		log.Fatalf("warming engine cache: %v", err)
	}

	mon := monitor.New(attributor.New(), eng, enf, cfg.Monitor.Interval, cfg.Monitor.RefreshTick)
	go func() {
		if err := mon.Run(ctx); err != nil {
			log.Errorf("monitor loop exited: %v", err)
		}
	}()

	var ca *proxy.CertAuthority
	if cfg.Proxy.CACertPath != "" || cfg.Proxy.CAKeyPath != "" {
		ca, err = proxy.LoadOrGenerateCA(filesys.OS(), cfg.Proxy.CACertPath, cfg.Proxy.CAKeyPath)
		if err != nil {
			log.Errorf("proxy CA setup: %v", err)
		}
	}
	l7 := proxy.New(attributor.New(), eng, ca, cfg.Proxy.ListenAddr)
	if err := l7.Start(ctx); err != nil {
		log.Errorf("proxy start: %v", err)
	}

	apiSrv := api.New(eng)
	go func() {
		if err := apiSrv.ListenAndServe(cfg.Socket.Path); err != nil {
			log.Fatalf("api listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down…")

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("api shutdown error: %v", err)
	}
	l7.Stop()
	cancel()
}

// ownerUID returns the uid whose traffic the Linux enforcer's per-app jump
// rule matches: SUDO_UID when running under sudo elevation, else the
// effective uid.
func ownerUID() int {
	if s := os.Getenv("SUDO_UID"); s != "" {
		if uid, err := strconv.Atoi(s); err == nil {
			return uid
		}
	}
	return os.Geteuid()
}
