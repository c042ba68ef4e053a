// Command netcode-demo runs a small end-to-end demonstration of the
// stack: a server replicating a moving object and clients following it.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/netcode"
	"github.com/opd-ai/netcode/replication"
	"github.com/opd-ai/netcode/transport"
)

const tickInterval = 50 * time.Millisecond

var (
	flagListen      string
	flagMaxConns    int
	flagMetricsAddr string
	flagServer      string
	flagVerbose     bool
)

func main() {
	root := &cobra.Command{
		Use:   "netcode-demo",
		Short: "Reliable UDP transport and state replication demo",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagVerbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a server replicating a demo object",
		RunE:  func(cmd *cobra.Command, args []string) error { return runServe(false) },
	}
	serveCmd.Flags().StringVar(&flagListen, "listen", ":7777", "UDP listen address")
	serveCmd.Flags().IntVar(&flagMaxConns, "max-conns", 64, "maximum simultaneous connections")
	serveCmd.Flags().StringVar(&flagMetricsAddr, "metrics", "", "prometheus metrics listen address, empty to disable")

	hostCmd := &cobra.Command{
		Use:   "host",
		Short: "Run a server with an implicit local connection",
		RunE:  func(cmd *cobra.Command, args []string) error { return runServe(true) },
	}
	hostCmd.Flags().StringVar(&flagListen, "listen", ":7777", "UDP listen address")
	hostCmd.Flags().IntVar(&flagMaxConns, "max-conns", 64, "maximum simultaneous connections")
	hostCmd.Flags().StringVar(&flagMetricsAddr, "metrics", "", "prometheus metrics listen address, empty to disable")

	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a demo server and follow the replicated object",
		RunE:  func(cmd *cobra.Command, args []string) error { return runConnect() },
	}
	connectCmd.Flags().StringVar(&flagServer, "server", "127.0.0.1:7777", "server address host:port")

	root.AddCommand(serveCmd, hostCmd, connectCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(asHost bool) error {
	opts := netcode.NewOptions()
	opts.ListenAddress = flagListen
	opts.MaxConnections = flagMaxConns

	manager := netcode.NewManager(opts)
	if flagMetricsAddr != "" {
		registry := prometheus.NewRegistry()
		manager.SetMetrics(netcode.NewMetrics(registry))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(flagMetricsAddr, mux); err != nil {
				logrus.WithError(err).Error("Metrics endpoint failed")
			}
		}()
	}

	registry := replication.NewRegistry()
	if err := registry.Register("demo.mover", func() replication.NetObject { return newMover() }); err != nil {
		return err
	}
	repl := replication.NewManager(manager, registry, replication.Config{
		IsServer:            true,
		Channel:             1,
		DefaultUpdateRateMs: 100,
	})

	manager.OnConnect(func(id uint32) {
		logrus.WithField("connection_id", id).Info("Peer connected")
	})
	manager.OnDisconnect(func(id uint32, reason netcode.DisconnectReason) {
		logrus.WithFields(logrus.Fields{
			"connection_id": id,
			"reason":        reason.String(),
		}).Info("Peer disconnected")
	})
	manager.OnData(func(id uint32, packetType transport.PacketType, data []byte, channel uint8) {
		if packetType == transport.PacketReplication {
			if err := repl.HandlePacket(data); err != nil {
				logrus.WithError(err).Debug("Bad replication packet")
			}
		}
	})

	var err error
	if asHost {
		err = manager.StartHost()
	} else {
		err = manager.StartServer()
	}
	if err != nil {
		return err
	}
	defer manager.Stop()

	object := newMover()
	if _, err := repl.Spawn(object, 0); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return nil
		case <-ticker.C:
			object.step(float32(tickInterval.Seconds()))
			manager.Update()
			repl.Update()
		}
	}
}

func runConnect() error {
	host, port, err := splitHostPort(flagServer)
	if err != nil {
		return err
	}

	opts := netcode.NewOptions()
	manager := netcode.NewManager(opts)

	registry := replication.NewRegistry()
	if err := registry.Register("demo.mover", func() replication.NetObject { return newMover() }); err != nil {
		return err
	}
	repl := replication.NewManager(manager, registry, replication.Config{Channel: 1})

	connected := make(chan struct{}, 1)
	failed := make(chan netcode.DenyReason, 1)
	manager.OnConnect(func(id uint32) {
		repl.SetLocalConnectionID(id)
		connected <- struct{}{}
	})
	manager.OnConnectFailed(func(reason netcode.DenyReason) { failed <- reason })
	manager.OnData(func(id uint32, packetType transport.PacketType, data []byte, channel uint8) {
		if packetType == transport.PacketReplication {
			if err := repl.HandlePacket(data); err != nil {
				logrus.WithError(err).Debug("Bad replication packet")
			}
		}
	})

	if err := manager.Connect(host, port); err != nil {
		return err
	}
	defer manager.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	report := time.NewTicker(time.Second)
	defer report.Stop()

	for {
		select {
		case <-stop:
			return nil
		case reason := <-failed:
			return fmt.Errorf("connection failed: %s", reason)
		case <-connected:
			logrus.WithField("connection_id", manager.LocalConnectionID()).Info("Connected")
		case <-report.C:
			for _, id := range repl.NetIDs() {
				if inst, ok := repl.Get(id); ok {
					if obj, ok := inst.Object.(*mover); ok {
						logrus.WithFields(logrus.Fields{
							"net_id": id,
							"x":      fmt.Sprintf("%.2f", obj.X),
							"y":      fmt.Sprintf("%.2f", obj.Y),
						}).Info("Object state")
					}
				}
			}
		case <-ticker.C:
			manager.Update()
		}
	}
}

func splitHostPort(value string) (string, uint16, error) {
	idx := strings.LastIndex(value, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("address %q missing port", value)
	}
	port, err := strconv.ParseUint(value[idx+1:], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("address %q: bad port: %w", value, err)
	}
	host := value[:idx]
	if host == "" {
		host = "127.0.0.1"
	}
	return host, uint16(port), nil
}
