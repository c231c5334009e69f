package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ctfgrid/warden/internal/db"
	"github.com/ctfgrid/warden/internal/events"
	"github.com/ctfgrid/warden/internal/orchestrator"
	"github.com/ctfgrid/warden/internal/reaper"
	"github.com/ctfgrid/warden/internal/server"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "warden-server",
		Usage: "Provisions and reclaims ephemeral Docker instances for CTF challenges.",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the Warden server and embedded NATS",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "http-addr", Value: "0.0.0.0:8080", Usage: "HTTP server bind address"},
					&cli.StringFlag{Name: "db-path", Value: "warden.db", Usage: "Path to the SQLite database file"},
					&cli.StringFlag{Name: "nats-addr", Value: "0.0.0.0:4222", Usage: "NATS server bind address (host:port)"},
					&cli.BoolFlag{Name: "no-events", Usage: "Disable the embedded NATS server and event publishing"},
					&cli.DurationFlag{Name: "reap-interval", Value: 10 * time.Minute, Usage: "Interval for the stale instance sweep"},
				},
				Action: runServer,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	log.Println("Starting Warden Server...")

	// 1. Initialize Database
	dbPath := cmd.Value("db-path").(string)
	store, err := db.New(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// 2. Start Embedded NATS Server and connect the event publisher
	var pub *events.Publisher
	if cmd.Value("no-events").(bool) {
		log.Println("[INFO] Event publishing disabled.")
		pub = events.NewPublisher(nil)
	} else {
		natsAddr := cmd.Value("nats-addr").(string)
		natsHost, natsPort, err := net.SplitHostPort(natsAddr)
		if err != nil {
			return fmt.Errorf("invalid nats-addr format: %w", err)
		}
		natsPortInt, _ := strconv.Atoi(natsPort)
		ns, err := natsserver.NewServer(&natsserver.Options{Host: natsHost, Port: natsPortInt})
		if err != nil {
			return fmt.Errorf("could not start embedded NATS server: %w", err)
		}
		go ns.Start()
		if !ns.ReadyForConnections(4 * time.Second) {
			return fmt.Errorf("embedded NATS server did not become ready")
		}
		log.Printf("Embedded NATS server started on %s", natsAddr)

		nc, err := events.Connect(ns.ClientURL())
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Close()
		pub = events.NewPublisher(nc)
	}

	// 3. Build the orchestrator and start the scheduled reaper
	orch := orchestrator.New(store, pub)
	reapInterval := cmd.Value("reap-interval").(time.Duration)
	sweeper := reaper.New(orch, reapInterval)
	sweeper.Start()
	defer sweeper.Stop()

	// 4. Start Chi HTTP Server
	srv := server.New(store, orch)
	httpAddr := cmd.Value("http-addr").(string)
	log.Printf("HTTP server listening on %s", httpAddr)
	return http.ListenAndServe(httpAddr, srv.Router())
}
