package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/godbus/dbus/v5"

	"github.com/SoarinFerret/ChannelWarden/internal/bridge"
	"github.com/SoarinFerret/ChannelWarden/internal/clock"
	"github.com/SoarinFerret/ChannelWarden/internal/config"
	"github.com/SoarinFerret/ChannelWarden/internal/engine"
	"github.com/SoarinFerret/ChannelWarden/internal/ipc"
	"github.com/SoarinFerret/ChannelWarden/internal/store"
)

func main() {
	// check for argument to determine config location
	argPath := "/etc/channelwarden/config.toml"
	if len(os.Args) > 1 {
		argPath = os.Args[1]
	}
	log.Println("Using config file at:", argPath)
	cfg, err := config.LoadConfigFromFile(argPath)
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	st, err := store.New(cfg.DBPath)
	if err != nil {
		log.Fatal("Failed to open store:", err)
	}
	defer st.Close()

	act, err := bridge.NewActuator()
	if err != nil {
		log.Fatal("Failed to connect actuator:", err)
	}
	defer act.Close()

	eng := engine.New(st, act, cfg, clock.System{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	// Close intervals left open by the previous run before anything else
	// reads the cycles.
	if err := eng.RecoverStartup(ctx); err != nil {
		log.Fatal("Startup recovery failed:", err)
	}

	var wg sync.WaitGroup

	// Watch the platform bridge for presence changes
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Println("Monitoring bridge for presence changes...")
		if err := bridge.Watch(ctx, eng); err != nil {
			log.Println("bridge watcher error:", err)
		}
	}()

	// Serve the control interface (status queries, bonus grants)
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Println("Opening control D-Bus service...")
		if err := serveControl(ctx, eng); err != nil {
			log.Println("control service error:", err)
		}
	}()

	// Run the periodic enforcement sweep
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eng.Run(ctx); err != nil {
			log.Println("enforcement engine error:", err)
		}
	}()

	wg.Wait()
	fmt.Println("Shutdown complete")
}

func serveControl(ctx context.Context, eng *engine.Engine) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}
	defer conn.Close()

	return ipc.Serve(ctx, conn, &ipc.QuotaService{Engine: eng})
}
