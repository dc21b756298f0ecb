package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tilecache/internal/archive"
	"tilecache/internal/ingest"
	"tilecache/internal/server"
	"tilecache/internal/store"
)

func main() {
	InitFlag()
	InitSafeExit()
	if err := InitConf(configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := InitLog(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	err := run(flag.Args())
	SafeExitInst.Shutdown()
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		return serve()
	case "ingest":
		st, err := openStore()
		if err != nil {
			return err
		}
		return runIngest(context.Background(), st, args)
	case "export":
		if len(args) != 2 {
			return errors.New("usage: export <table> <out.pmtiles>")
		}
		st, err := openStore()
		if err != nil {
			return err
		}
		_, err = exportTable(SafeExitInst.Context(), st, args[0], args[1], conf.Task.Progress)
		return err
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func openStore() (*store.Store, error) {
	if err := ensureDir(conf.Store.Path); err != nil {
		return nil, err
	}
	st, err := store.Open(conf.Store.Path)
	if err != nil {
		return nil, err
	}
	SafeExitInst.Register(func() {
		if err := st.Close(); err != nil {
			log.Warnf("close store: %s", err)
		}
	})
	return st, nil
}

// openArchive returns nil when no archive is configured or it cannot be
// read; the archive routes then answer 503.
func openArchive() *archive.Reader {
	path := conf.Server.Archive
	if path == "" {
		return nil
	}
	ar, err := archive.Open(path, archive.WithLeafCacheSize(conf.Server.LeafCacheSize))
	if err != nil {
		log.Errorf("open archive %s: %s", path, err)
		return nil
	}
	SafeExitInst.Register(func() { _ = ar.Close() })
	return ar
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// serve runs the HTTP server and the scheduled refreshes until the process
// is signalled.
func serve() error {
	reg := newRegistry()
	st, err := openStore()
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		Addr:         conf.Server.Addr,
		ReadTimeout:  time.Duration(conf.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(conf.Server.WriteTimeout) * time.Second,
		MaxItems:     conf.Server.MaxItems,
	}, server.Options{
		Store:    st,
		Archive:  openArchive(),
		Registry: reg,
		Log:      log.WithField("component", "http"),
	})
	if err := srv.Start(); err != nil {
		return err
	}
	log.Infof("listening on %s", srv.Addr())
	SafeExitInst.Register(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			log.Warnf("stop server: %s", err)
		}
	})

	metrics := ingest.NewMetrics(reg)
	sched := ingest.NewScheduler(log.WithField("component", "scheduler"))
	for _, l := range conf.Layers {
		if l.Schedule == "" {
			continue
		}
		if err := sched.Register(refreshTask(st, l, metrics)); err != nil {
			return err
		}
	}
	if names := sched.Names(); len(names) > 0 {
		log.Infof("scheduled refresh of %v", names)
		sched.Start(SafeExitInst.Context())
		SafeExitInst.Register(sched.Stop)
	}

	<-SafeExitInst.Context().Done()
	return nil
}
