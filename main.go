package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-i2p/common/data"
	"github.com/go-i2p/go-overlay/lib/config"
	"github.com/go-i2p/go-overlay/lib/identity"
	"github.com/go-i2p/go-overlay/lib/metrics"
	"github.com/go-i2p/go-overlay/lib/stream"
	"github.com/go-i2p/go-overlay/lib/transport"
	"github.com/go-i2p/go-overlay/lib/transport/tcp"
	"github.com/go-i2p/go-overlay/lib/transport/ws"
	"github.com/go-i2p/go-overlay/lib/util"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var log = logger.GetGoI2PLogger()

const (
	keyListen     = "tcp.listen"
	keyPeers      = "tcp.peers"
	keyHTTPListen = "http.listen"
	keyWSPeers    = "ws.peers"
	keyIdentity   = "node.identity_file"
	keyEphemeral  = "node.ephemeral"

	wsPath      = "/overlay"
	metricsPath = "/metrics"
)

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "go-overlay",
		Short: "Run one overlay node over TCP and WebSocket",
		Long: `go-overlay joins a peer-to-peer dissemination overlay.

Lines read from stdin are broadcast to every node. A line of the form
"/to <hash> <text>" is sent to one peer, "/connect <host:port|ws://url>"
opens a link and "/peers" lists the current neighbours and the peers
reached through them.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.InitConfig(v, cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/"+config.BaseDirName+"/config.yaml)")
	cmd.Flags().String("listen", "127.0.0.1:7700", "TCP listen address")
	cmd.Flags().StringSlice("peer", nil, "host:port of a peer to connect to at startup (repeatable)")
	cmd.Flags().String("http-listen", "", "address serving WebSocket peers on "+wsPath+" and metrics on "+metricsPath)
	cmd.Flags().StringSlice("ws-peer", nil, "ws:// URL of a peer to connect to at startup (repeatable)")
	cmd.Flags().String("identity", "", "key file name inside the config directory (default "+config.IdentityFileName+")")
	cmd.Flags().Bool("ephemeral", false, "use a fresh identity and do not store it")
	cmd.Flags().Bool("relay", true, "forward messages for other nodes")

	_ = v.BindPFlag(keyListen, cmd.Flags().Lookup("listen"))
	_ = v.BindPFlag(keyPeers, cmd.Flags().Lookup("peer"))
	_ = v.BindPFlag(keyHTTPListen, cmd.Flags().Lookup("http-listen"))
	_ = v.BindPFlag(keyWSPeers, cmd.Flags().Lookup("ws-peer"))
	_ = v.BindPFlag(keyIdentity, cmd.Flags().Lookup("identity"))
	_ = v.BindPFlag(keyEphemeral, cmd.Flags().Lookup("ephemeral"))
	_ = v.BindPFlag(config.Key(config.KeyCanRelay), cmd.Flags().Lookup("relay"))
	return cmd
}

// node bundles the overlay node with the transports main drives directly.
type node struct {
	*stream.Node
	tcp     *tcp.Transport
	ws      *ws.Transport
	metrics *metrics.Metrics
	ui      *console
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg := config.NewStreamConfigFromViper(v)
	ui := newConsole(os.Stdout)

	kp, err := loadIdentity(v)
	if err != nil {
		return err
	}

	tcpT := tcp.New(kp.Hash(), tcp.Options{ListenAddress: v.GetString(keyListen)})
	wsT := ws.New(kp.Hash(), ws.Options{})
	mux := transport.Mux(tcpT, wsT)

	sn, err := stream.New(cfg, kp, mux)
	if err != nil {
		return err
	}
	n := &node{Node: sn, tcp: tcpT, ws: wsT, metrics: metrics.New("overlay"), ui: ui}

	var closers util.Closers
	defer closers.Close()
	closers.Add(closerFunc(n.Stop))
	closers.Add(mux)
	closers.Add(closerFunc(n.metrics.Attach(n.Node)))

	n.Start(ctx)
	if err := tcpT.Listen(n); err != nil {
		return err
	}
	if addr := v.GetString(keyHTTPListen); addr != "" {
		srv := serveHTTP(addr, n)
		closers.Add(srv)
	}

	n.Events().Data.Subscribe(ui.data)
	n.Events().Reachable.Subscribe(func(h data.Hash) {
		log.WithField("peer", identity.Short(h)).Info("peer reachable")
	})
	n.Events().Unreachable.Subscribe(func(h data.Hash) {
		log.WithField("peer", identity.Short(h)).Info("peer unreachable")
	})

	ui.info("node %s listening on %s", identity.Hex(kp.Hash()), tcpT.Addr())

	startup := append(v.GetStringSlice(keyPeers), v.GetStringSlice(keyWSPeers)...)
	for _, addr := range startup {
		if err := n.connect(ctx, addr); err != nil {
			log.WithFields(logger.Fields{
				"at":     "run",
				"addr":   addr,
				"reason": "connect_failed",
			}).WithError(err).Warn("startup peer unavailable")
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		ui.prompt()
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := n.handleLine(ctx, strings.TrimSpace(line)); err != nil {
				ui.errorf("%v", err)
			}
			ui.prompt()
		}
	}
}

// loadIdentity reads the node key from the config directory, creating it
// on first start.
func loadIdentity(v *viper.Viper) (*identity.KeyPair, error) {
	if v.GetBool(keyEphemeral) {
		return identity.NewKeyPair()
	}
	path, err := config.IdentityPath(v.GetString(keyIdentity))
	if err != nil {
		return nil, err
	}
	if util.CheckFileExists(path) {
		b, err := config.ReadSecureFile(path)
		if err != nil {
			return nil, err
		}
		kp, err := identity.UnmarshalKeyPair(b)
		if err != nil {
			return nil, oops.Wrapf(err, "identity file %q", path)
		}
		return kp, nil
	}

	kp, err := identity.NewKeyPair()
	if err != nil {
		return nil, err
	}
	b, err := kp.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := config.CreateSecureDirectory(filepath.Dir(path)); err != nil {
		return nil, err
	}
	if err := config.WriteSecureFile(path, b); err != nil {
		return nil, err
	}
	log.WithFields(logger.Fields{
		"at":     "loadIdentity",
		"reason": "created_identity",
		"file":   path,
		"peer":   identity.Short(kp.Hash()),
	}).Info("generated node identity")
	return kp, nil
}

func serveHTTP(addr string, n *node) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(wsPath, n.ws.Handler(n))
	mux.Handle(metricsPath, n.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithFields(logger.Fields{
				"at":     "serveHTTP",
				"addr":   addr,
				"reason": "serve_failed",
			}).WithError(err).Error("http listener stopped")
		}
	}()
	n.ui.info("serving websocket peers on ws://%s%s", addr, wsPath)
	return srv
}

func (n *node) handleLine(ctx context.Context, line string) error {
	switch {
	case line == "":
		return nil
	case line == "/peers":
		n.listPeers()
		return nil
	case strings.HasPrefix(line, "/connect "):
		return n.connect(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/connect ")))
	case strings.HasPrefix(line, "/to "):
		parts := strings.SplitN(strings.TrimPrefix(line, "/to "), " ", 2)
		if len(parts) != 2 {
			return oops.Errorf("usage: /to <hash> <text>")
		}
		to, err := identity.ParseHash(parts[0])
		if err != nil {
			return err
		}
		return n.publish(ctx, parts[1], stream.PublishOptions{To: []data.Hash{to}})
	}
	return n.publish(ctx, line, stream.PublishOptions{})
}

// listPeers prints the neighbours, then destinations reached through relays.
func (n *node) listPeers() {
	neighbors := n.Connections().Neighbors()
	linked := make(map[data.Hash]struct{}, len(neighbors))
	for _, h := range neighbors {
		linked[h] = struct{}{}
		n.ui.info("%s", identity.Hex(h))
	}
	for _, h := range n.Routes().Destinations(n.Hash()) {
		if _, ok := linked[h]; ok {
			continue
		}
		cands, ok := n.Routes().FindNeighbor(n.Hash(), h)
		if !ok || len(cands) == 0 {
			continue
		}
		n.ui.info("%s via %s (%d hops)", identity.Hex(h), identity.Short(cands[0].Hash), cands[0].Cost)
	}
}

func (n *node) publish(ctx context.Context, text string, opts stream.PublishOptions) error {
	start := time.Now()
	_, err := n.Publish(ctx, []byte(text), opts)
	n.metrics.ObservePublish(opts.Mode, start, err)
	return err
}

// connect dials addr over WebSocket when it is a ws:// or wss:// URL and
// over TCP otherwise.
func (n *node) connect(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var (
		remote data.Hash
		conn   io.ReadWriteCloser
		err    error
	)
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		remote, conn, err = n.ws.Connect(ctx, addr)
	} else {
		remote, conn, err = n.tcp.Connect(ctx, addr)
	}
	if err != nil {
		return err
	}
	if err := n.AddOutbound(remote, conn); err != nil {
		return err
	}
	n.ui.info("connected to %s at %s", identity.Short(remote), addr)
	return nil
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
