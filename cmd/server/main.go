package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/codelayer/agproxy/internal/api"
	"github.com/codelayer/agproxy/internal/auth"
	"github.com/codelayer/agproxy/internal/balancer"
	"github.com/codelayer/agproxy/internal/config"
	"github.com/codelayer/agproxy/internal/contextmgr"
	"github.com/codelayer/agproxy/internal/executor"
	"github.com/codelayer/agproxy/internal/logging"
	"github.com/codelayer/agproxy/internal/monitor"
	"github.com/codelayer/agproxy/internal/router"
	"github.com/codelayer/agproxy/internal/signature"
	"github.com/codelayer/agproxy/internal/translator/claude"
	"github.com/codelayer/agproxy/internal/translator/openai"
	"github.com/codelayer/agproxy/internal/util"
	"github.com/codelayer/agproxy/internal/watcher"
)

// Version is stamped by the build.
var Version = "1.0.0"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "configuration file path")
	flag.Parse()

	logging.SetupBaseLogger()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err = logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}
	logging.SetLevel(cfg.Debug)

	cfg.AuthDir = expandHome(cfg.AuthDir)

	accounts := auth.NewFileStore(cfg.AuthDir)
	if err = accounts.Load(); err != nil {
		log.Fatalf("failed to load accounts from %s: %v", cfg.AuthDir, err)
	}
	if len(accounts.List()) == 0 {
		log.Warnf("no accounts found in %s, requests will be rejected", cfg.AuthDir)
	} else {
		log.Infof("loaded %d account(s) from %s", len(accounts.List()), cfg.AuthDir)
	}

	cache := signature.NewCache(signature.Options{
		SnapshotPath: filepath.Join(cfg.AuthDir, "signatures.db"),
	})
	defer cache.Close()
	claude.Register(cache)
	openai.Register(cache)

	routes := router.New()
	applyRouting(routes, cfg.Routing)

	bal := balancer.New(
		strategyFromConfig(cfg.Balancer.Strategy),
		time.Duration(cfg.Balancer.RetryAfterSeconds)*time.Second,
	)

	httpClient := util.SetProxy(cfg.ProxyURL, &http.Client{})
	exec := executor.New(executor.Options{
		HTTPClient: httpClient,
		Version:    Version,
	}, bal)

	var recorder monitor.Recorder = monitor.Discard{}
	if cfg.RequestLog {
		store, errStore := monitor.OpenStore(cfg.RequestLogPath)
		if errStore != nil {
			log.Warnf("request log disabled: %v", errStore)
		} else {
			recorder = store
			log.Infof("request log enabled at %s", cfg.RequestLogPath)
		}
	}

	srv := api.NewServer(api.Options{
		Config:   cfg,
		Routes:   routes,
		Balancer: bal,
		Executor: exec,
		Accounts: accounts,
		Context: contextmgr.New(contextmgr.Options{
			Ceiling:           cfg.Context.CeilingTokens,
			ProtectedRounds:   cfg.Context.ProtectedRounds,
			ProtectedMessages: cfg.Context.ProtectedMessages,
		}),
		Recorder: recorder,
		Version:  Version,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = watcher.Watch(ctx, configPath, func(updated *config.Config) {
		logging.SetLevel(updated.Debug)
		applyRouting(routes, updated.Routing)
		srv.UpdateConfig(updated)
		if errReload := accounts.Reload(); errReload != nil {
			log.Warnf("account reload failed: %v", errReload)
		}
	})
	if err != nil {
		log.Warnf("config watcher disabled: %v", err)
	}

	go func() {
		log.Infof("listening on port %d", cfg.Port)
		if errServe := srv.Start(); errServe != nil {
			log.Fatalf("server error: %v", errServe)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err = srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}

// applyRouting replaces the router's custom mappings with the configured set.
func applyRouting(routes *router.Router, rules []config.RoutingRule) {
	for pattern := range routes.List() {
		routes.Remove(pattern)
	}
	for _, rule := range rules {
		routes.Set(rule.Pattern, rule.Target)
	}
}

func strategyFromConfig(name string) balancer.Strategy {
	if name == "fill-first" {
		return balancer.FillFirst
	}
	return balancer.RoundRobin
}

// expandHome resolves a leading "~" against the user's home directory.
func expandHome(dir string) string {
	if !strings.HasPrefix(dir, "~") {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("failed to get home directory: %v", err)
		return dir
	}
	return filepath.Join(home, strings.TrimPrefix(dir, "~"))
}
