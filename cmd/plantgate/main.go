// Copyright 2024 The plantgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package main is the entrypoint of the plantgate telemetry gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	flag "github.com/spf13/pflag"

	"github.com/turtacn/plantgate/pkg/alarm"
	"github.com/turtacn/plantgate/pkg/api"
	"github.com/turtacn/plantgate/pkg/auth"
	"github.com/turtacn/plantgate/pkg/authz"
	"github.com/turtacn/plantgate/pkg/config"
	"github.com/turtacn/plantgate/pkg/correlator"
	"github.com/turtacn/plantgate/pkg/gateway"
	"github.com/turtacn/plantgate/pkg/metrics"
	"github.com/turtacn/plantgate/pkg/monitor"
	"github.com/turtacn/plantgate/pkg/protocol/scada"
	"github.com/turtacn/plantgate/pkg/store"
	"github.com/turtacn/plantgate/pkg/supervisor"
	"github.com/turtacn/plantgate/pkg/upstream"
)

func main() {
	configPath := flag.StringP("config", "c", "", "path to the YAML or JSON configuration file")
	printDefault := flag.Bool("print-default-config", false, "print the default configuration and exit")
	flag.Parse()

	if *printDefault {
		data, err := config.Marshal(config.DefaultConfig())
		if err != nil {
			log.Fatalf("[ERROR] %v", err)
		}
		fmt.Print(string(data))
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	log.Println("[INFO] Starting plantgate...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Catalog ---
	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("[ERROR] Cannot reach the catalog database at %s:%d: %v", cfg.Database.Host, cfg.Database.Port, err)
	}
	defer db.Close()
	catalog := store.NewPostgresStore(db)

	// --- Shared state ---
	cache := authz.New(catalog, cfg.Cache.RefreshInterval)
	go cache.Run(ctx)

	tickets := correlator.New(cfg.Correlator.TicketTTL)
	go tickets.Run(ctx, cfg.Correlator.SweepInterval)

	sessions := auth.NewService(catalog, cfg.Auth.JWTSecret, auth.WithTokenTTL(cfg.Auth.TokenTTL))
	hub := gateway.NewHub()

	// --- Upstream ---
	sup := supervisor.NewOneForOneSupervisor(cfg.MQTT.ReconnectInterval)
	dialer := cfg.MQTT.Dialer()
	upCfg := cfg.Upstream()

	control := upstream.NewControl(upCfg, dialer)
	relay := alarm.NewRelay(control)
	control.OnConnect(relay.Resync)
	go relay.Run(ctx, cfg.Alarm.RetryInterval)
	controlChild := control.Start(ctx, sup)

	router := &upstream.Router{
		Decoder:    scada.Decoder{HistoryDataTopic: cfg.Topics.HistoryDataResponse},
		Translator: scada.Translator{Location: loc},
		Authz:      cache,
		Correlator: tickets,
		Alarms:     relay,
		Push:       hub,
	}
	manager := upstream.NewManager(upCfg, dialer, catalog, router, sup)
	manager.Start(ctx)

	health := monitor.NewHealthChecker()
	health.RegisterCheck("database", db.PingContext, true)
	health.RegisterCheck("upstream", monitor.ConnectedCheck("upstream control session", control.Connected), false)

	// --- HTTP ---
	gin.SetMode(gin.ReleaseMode)
	apiServer := api.NewAPIServer(api.Deps{
		Auth:     sessions,
		Users:    catalog,
		Cache:    cache,
		Sessions: manager,
		Sockets:  hub,
		Alarms:   relay,
		Health:   health,
	})
	engine := api.NewRouter(apiServer, cfg.Server.AllowedOrigins)

	wsOpts := gateway.DefaultOptions()
	wsOpts.AllowedOrigins = cfg.Server.AllowedOrigins
	dispatcher := &gateway.Dispatcher{Upstream: manager, Tickets: tickets, Alarms: relay, Topics: cfg.Topics}
	ws := gateway.NewServer(hub, dispatcher, func(ctx context.Context, userID string) {
		u, err := catalog.GetUserByID(ctx, userID)
		if err != nil {
			log.Printf("[WARN] socket for user %s gets no upstream session: %v", userID, err)
			return
		}
		if _, err := cache.Lookup(ctx, u); err != nil {
			log.Printf("[WARN] loading devices for user %s failed: %v", userID, err)
		}
		manager.Ensure(userID)
	}, wsOpts)
	engine.GET(cfg.Server.WebSocketPath, ws.HandleWebSocket)

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[INFO] HTTP and websocket server listening on %s", cfg.Server.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[ERROR] HTTP server failed: %v", err)
		}
	}()

	// --- Metrics ---
	if cfg.Server.MetricsListen != "" {
		go metrics.Serve(cfg.Server.MetricsListen)
	}

	// --- Wait for Shutdown Signal ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)
	<-shutdownChan

	log.Println("[INFO] Shutdown signal received. Shutting down...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[WARN] HTTP server shutdown: %v", err)
	}
	manager.StopAll(cfg.Server.ShutdownTimeout)
	cancel()
	controlChild.Stop()
	log.Println("[INFO] plantgate stopped")
}
