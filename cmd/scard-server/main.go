package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"scard/pkg/api"
	"scard/pkg/config"
	"scard/pkg/drivers/mqttreader"
	"scard/pkg/drivers/simulator"
	"scard/pkg/journal"
	"scard/pkg/scard"
	"scard/templates"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	version         = "1.0"
	shutdownTimeout = 5 * time.Second
)

// demoCard is inserted in the first slot when simulating.
var demoCard = simulator.Card{
	ATR: []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x6A},
	UID: []byte{0x04, 0xA2, 0x1B, 0x7C},
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if c.IsSet("port") {
		cfg.HTTP.Port = c.Int("port")
	}
	if c.IsSet("journal") {
		cfg.Journal.Path = c.String("journal")
	}
	if c.Bool("simulate") {
		cfg.Device.Simulate = true
	}
	return cfg, config.Validate(cfg)
}

func openTransport(cfg *config.Config) (scard.Transport, error) {
	if !cfg.Device.Simulate {
		return mqttreader.Dial(cfg.MQTT, log.WithField("component", "mqtt"))
	}
	sim := simulator.New(len(cfg.Device.Slots), log.WithField("device", cfg.Device.Name))
	if err := sim.Insert(0, demoCard); err != nil {
		return nil, err
	}
	return sim, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("invalid configuration: %v", err)
	}

	logFile, err := setupLogging(cfg.Log, c.Bool("debug"))
	if err != nil {
		return fmt.Errorf("failed to set up logging: %v", err)
	}
	defer logFile.Close()

	log.Infof("%s (%d slots)", cfg.Device.Name, len(cfg.Device.Slots))

	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}

	db, err := bolt.Open(cfg.Journal.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()

	jrnl, err := journal.New(db, cfg.Journal.MaxEntries)
	if err != nil {
		return fmt.Errorf("failed to create journal: %v", err)
	}

	transport, err := openTransport(cfg)
	if err != nil {
		return fmt.Errorf("failed to open reader: %v", err)
	}

	list := scard.NewReaderList(transport, cfg.Device.Slots, scard.Options{
		CommandTimeout: cfg.Device.CommandTimeout(),
	}, log.WithField("device", cfg.Device.Name))
	defer list.Close()

	serverDesc := api.ServerDescription{
		Name:         cfg.Device.Name,
		Manufacturer: "scard",
		Version:      version,
		Location:     cfg.MQTT.TopicRoot,
	}
	server := api.NewServer(serverDesc, list, jrnl, tmpl, log.StandardLogger())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: server.AddRoutes(),
	}

	// Cancelled on interrupt or terminate signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := list.Run(ctx); err != nil {
			log.Errorf("Reader list stopped: %v", err)
			stop()
		}
		log.Debug("Reader list stopped")
	}()

	// Drains the events until the reader list closes them.
	wg.Add(1)
	go func() {
		defer wg.Done()
		jrnl.Record(context.Background(), list.Events(), log.WithField("component", "journal"))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Debugf("Server started on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("Could not listen on %s: %v", srv.Addr, err)
			stop()
		}
	}()

	<-ctx.Done()

	log.Info("Shutting down server...")

	if err := stopServer(srv, shutdownTimeout, &wg); err != nil {
		return fmt.Errorf("server forced to shutdown: %v", err)
	}
	log.Info("Server stopped")
	return nil
}

// stopServer shuts srv down and waits for the background goroutines even
// when the graceful shutdown fails, so nothing uses the journal database
// once it returns.
func stopServer(srv *http.Server, timeout time.Duration, wg *sync.WaitGroup) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	if err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
		srv.Close()
	}
	wg.Wait()
	return err
}

func main() {
	app := cli.App{
		Name:    "scard-server",
		Usage:   "Smart card reader control server",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"SCARD_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Value:   false,
				EnvVars: []string{"DEBUG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   8090,
				EnvVars: []string{"SCARD_PORT"},
			},
			&cli.BoolFlag{
				Name:    "simulate",
				Aliases: []string{"s"},
				Usage:   "Use the built-in simulated reader instead of MQTT",
				EnvVars: []string{"SCARD_SIMULATE"},
			},
			&cli.StringFlag{
				Name:    "journal",
				Aliases: []string{"j"},
				Usage:   "Path to the event journal database",
				EnvVars: []string{"SCARD_JOURNAL"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
