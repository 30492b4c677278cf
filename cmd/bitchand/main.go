package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"bitchan/pkg/config"
	"bitchan/pkg/dispatch"
	"bitchan/pkg/inventory"
	"bitchan/pkg/knownnodes"
	"bitchan/pkg/metrics"
	"bitchan/pkg/model"
	"bitchan/pkg/netmgr"
	"bitchan/pkg/peer"
	"bitchan/pkg/seeds"
	"bitchan/pkg/store"
	"bitchan/pkg/version"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.ShowVersion {
		fmt.Printf("bitchand version=%s\n", version.Build)
		return
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logrus.Fatal(err)
	}
	logrus.Info("stopped")
}

func setupLogging(cfg config.Config) {
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Warnf("unknown log level %q, using info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	if cfg.Debug {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
}

func run(ctx context.Context, cfg config.Config) error {
	st, err := store.Open(ctx, store.Options{
		Backend:    cfg.Storage,
		SQLitePath: cfg.SQLitePath,
		MySQLDSN:   cfg.MySQLDSN,
	})
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage, err)
	}
	defer st.Close()
	logrus.Infof("using %s storage", cfg.Storage)

	m := metrics.New("bitchan")

	var sources []seeds.Source
	if len(cfg.DNSSeeds) > 0 {
		sources = append(sources, seeds.NewDNS(cfg.DNSSeeds, cfg.DNSServer, config.DefaultStream))
	}
	if src := seeds.NewConsul(cfg.ConsulAddr, cfg.ConsulService, config.DefaultStream); src != nil {
		sources = append(sources, src)
	}

	dir := knownnodes.New(st, knownnodes.Options{
		Seeds:   cfg.TCPSeeds,
		Sources: sources,
		Trusted: cfg.TrustedPeer != nil,
		Metrics: m,
	})
	if err := dir.Bootstrap(ctx); err != nil {
		return err
	}
	inv := inventory.New(st, nil, m)

	mgr := netmgr.New(dir, netmgr.Options{
		Stream:        config.DefaultStream,
		TCPAddr:       cfg.TCPAddr(),
		WSAddr:        cfg.WSAddr(),
		OutgoingLimit: cfg.OutgoingLimit(),
		Trusted:       cfg.TrustedPeer,
		Metrics:       m,
		Peer:          peer.Config{Local: localIdentity(cfg)},
	})
	disp := dispatch.New(dir, inv, mgr, dispatch.Options{Metrics: m})

	g, ctx := errgroup.WithContext(ctx)
	// A closed listener surfaces as netmgr.ErrListenerClosed and ends the process.
	g.Go(func() error { return mgr.Run(ctx, disp) })
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(m), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logrus.Infof("metrics listening on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// localIdentity is what the node announces in its version message. It relays
// objects for browser peers, so it advertises the gateway bit alongside the
// network one.
func localIdentity(cfg config.Config) peer.Identity {
	return peer.Identity{
		Services:   model.ServiceNodeNetwork | model.ServiceNodeGateway,
		UserAgent:  version.UserAgent(),
		Nonce:      rand.Uint64(),
		ListenPort: uint16(cfg.TCPPort),
	}
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
