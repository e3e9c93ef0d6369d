// Command irrigationd drives the irrigation board: it runs the control loop,
// serves the control surface and records every run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/zone-irrigation/internal/api"
	"github.com/banshee-data/zone-irrigation/internal/config"
	"github.com/banshee-data/zone-irrigation/internal/db"
	"github.com/banshee-data/zone-irrigation/internal/irrigation"
	"github.com/banshee-data/zone-irrigation/internal/link"
	"github.com/banshee-data/zone-irrigation/internal/monitoring"
	"github.com/banshee-data/zone-irrigation/internal/provision"
	"github.com/banshee-data/zone-irrigation/internal/pump"
	"github.com/banshee-data/zone-irrigation/internal/runstate"
	"github.com/banshee-data/zone-irrigation/internal/serialport"
	"github.com/banshee-data/zone-irrigation/internal/telemetry"
	"github.com/banshee-data/zone-irrigation/internal/valves"
	"github.com/banshee-data/zone-irrigation/internal/version"
	"github.com/banshee-data/zone-irrigation/internal/watermeter"
)

var (
	configPath  = flag.String("config", "", "Path to JSON config file (defaults apply when empty)")
	listen      = flag.String("listen", ":8080", "Listen address")
	dbPath      = flag.String("db", "", "SQLite database path (overrides db_path)")
	simulate    = flag.Bool("simulate", false, "Drive a simulated board instead of a serial device")
	verbose     = flag.Bool("verbose", false, "Log device debug frames and command traffic")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// meterSlack absorbs tick jitter when the tick interval equals the flow
// window.
const meterSlack = time.Second

// simulatedFlowPerRead is how many gallons the simulated meter adds per
// counter read while valves are open.
const simulatedFlowPerRead = 5

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	monitoring.SetVerbose(*verbose)
	log.Printf("irrigationd %s", version.String())

	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	path := cfg.GetDBPath()
	if *dbPath != "" {
		path = *dbPath
	}

	metrics := monitoring.NewMetrics()

	store, err := db.NewDB(path)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	dev := newLink(cfg, metrics)
	if err := dev.Connect(); err != nil {
		log.Printf("initial connect failed, will retry on first command: %v", err)
	} else {
		log.Printf("connected to %s", dev.Session().Device)
	}
	defer dev.Close()

	status := runstate.New(store, nil)
	bank := valves.New(dev, cfg.GetValveCount(), status)
	meter := watermeter.New(dev, watermeter.Options{
		Window:      cfg.GetFlowWindow(),
		ScaleFactor: cfg.GetFlowScaleFactor(),
		Slack:       meterSlack,
	})
	// Baseline the meter so the first rate covers only water since startup.
	meter.Counter()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinks := telemetry.Multi{telemetry.NewPrometheusSink(metrics)}
	if cfg.InfluxEnabled() {
		writer, closeInflux, err := telemetry.DialInflux(telemetry.InfluxConfig{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		})
		if err != nil {
			log.Fatalf("failed to configure influx: %v", err)
		}
		defer closeInflux()
		influx := telemetry.NewInfluxSink(writer, telemetry.InfluxOptions{
			SiteTags:      cfg.SiteTags(),
			FlushInterval: cfg.GetInfluxFlushInterval(),
			MaxPoints:     cfg.GetInfluxMaxPoints(),
			Retries:       cfg.GetInfluxRetries(),
			Metrics:       metrics,
		})
		sinks = append(sinks, influx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			influx.Run(ctx)
			log.Print("telemetry routine terminated")
		}()
	}

	var pumpNotifier irrigation.PumpNotifier
	if cfg.MQTTEnabled() {
		pumpNotifier = startPump(ctx, &wg, cfg)
	}

	ctl := irrigation.New(dev, bank, meter, irrigation.Options{
		Status:    status,
		Telemetry: sinks,
		Events:    store,
		Pump:      pumpNotifier,
		Metrics:   metrics,
	})
	if snap, ok, err := store.LoadRunStatus(); err != nil {
		log.Printf("failed to load run status, starting idle: %v", err)
	} else if ok {
		ctl.Restore(snap)
	}
	if pumpNotifier != nil {
		pumpNotifier.SetPumpRequested(ctl.IsPumpRequested())
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		irrigation.NewScheduler(ctl, cfg.GetTickInterval(), nil).Run(ctx)
		log.Print("control loop terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(ctl, bank.Numbers(), store, metrics).ServeMux()
		dev.AttachAdminRoutes(mux)
		if err := store.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach db admin routes: %v", err)
		}

		server := &http.Server{
			Addr:              *listen,
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("listening on %s", *listen)

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

func newLink(cfg *config.Config, metrics *monitoring.Metrics) *link.Link {
	opts := link.Options{
		ReadTimeout:       cfg.GetReadTimeout(),
		DrainTimeout:      cfg.GetDrainTimeout(),
		DebugPrefix:       cfg.GetDebugPrefix(),
		ResetPause:        cfg.GetResetPause(),
		HandshakeAttempts: cfg.GetHandshakeAttempts(),
		Metrics:           metrics,
	}

	if *simulate {
		sim := serialport.NewSimulatedTransport()
		sim.SetFlowPerRead(simulatedFlowPerRead)
		opts.Resetter = provision.NopResetter{}
		log.Print("using simulated board")
		return link.New(sim, opts)
	}

	opts.Resetter = &provision.CommandResetter{Argv: cfg.GetUSBResetCommand()}
	restarter := &provision.HostRestarter{Argv: cfg.GetRestartCommand()}
	opts.OnDeviceLost = func(cause error) {
		if err := restarter.RestartHost(cause); err != nil {
			log.Printf("host restart failed: %v", err)
		}
	}
	transport := serialport.NewDeviceTransport(serialport.DeviceConfig{
		Path:    cfg.GetDevice(),
		Glob:    cfg.GetDeviceGlob(),
		Options: serialport.PortOptions{BaudRate: cfg.GetBaudRate()},
	})
	return link.New(transport, opts)
}

// startPump connects the optional MQTT pump publisher. The pump can always
// poll /pump, so a broker that is down at boot disables the publisher
// instead of stopping the daemon.
func startPump(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config) irrigation.PumpNotifier {
	client, err := pump.Connect(ctx, pump.Config{
		Broker:   cfg.MQTT.Broker,
		Topic:    cfg.GetMQTTTopic(),
		ClientID: cfg.GetMQTTClientID(),
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
	})
	if err != nil {
		log.Printf("MQTT pump publisher disabled: %v", err)
		return nil
	}
	publisher := pump.NewMQTTPublisher(client, cfg.GetMQTTTopic())

	wg.Add(1)
	go func() {
		defer wg.Done()
		publisher.Run(ctx)
		client.Disconnect(250)
		log.Print("pump publisher terminated")
	}()
	return publisher
}
