package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"bringyour.com/cloudcount/docstore"
	"bringyour.com/cloudcount/relay"
)

const CountCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Count control.

A package is a directory (or any afs url) holding a counter document.
The config defaults to ~/.countctl/config.yaml.

Usage:
    countctl create <package> [--config=<config>]
    countctl show <package> [--tree]
    countctl increment <package> [<delta>] [--config=<config>]
    countctl merge <package> <incoming> [--config=<config>]
    countctl resolve <package> [--config=<config>]
    countctl compact <package> [--config=<config>]
    countctl export <package> <blob>
    countctl import <blob> <package> [--config=<config>]
    countctl share <package> [--config=<config>]
        [--relay_url=<relay_url>]
        [--auth_token=<auth_token>]
        [--duration=<duration>]
    countctl relay [--config=<config>] [--addr=<addr>] [--secret=<secret>]
    countctl token --secret=<secret> --subject=<subject> [--ttl=<ttl>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --config=<config>          YAML config file.
    --tree                     Print the package hierarchy.
    --relay_url=<relay_url>    Relay websocket url, e.g. ws://127.0.0.1:8090/relay
    --auth_token=<auth_token>  Relay token from "countctl token".
    --duration=<duration>      Stop sharing after this long, e.g. 30s. Default until interrupted.
    --addr=<addr>              Relay listen address.
    --secret=<secret>          Relay token secret.
    --subject=<subject>        Token subject.
    --ttl=<ttl>                Token lifetime, e.g. 24h. Default no expiry.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CountCtlVersion)
	if err != nil {
		panic(err)
	}

	// docopt owns the arguments, glog keeps its flag defaults
	flag.CommandLine.Parse([]string{})
	defer glog.Flush()

	if create_, _ := opts.Bool("create"); create_ {
		create(opts)
	} else if show_, _ := opts.Bool("show"); show_ {
		show(opts)
	} else if increment_, _ := opts.Bool("increment"); increment_ {
		increment(opts)
	} else if merge_, _ := opts.Bool("merge"); merge_ {
		merge(opts)
	} else if resolve_, _ := opts.Bool("resolve"); resolve_ {
		resolve(opts)
	} else if compact_, _ := opts.Bool("compact"); compact_ {
		compact(opts)
	} else if export_, _ := opts.Bool("export"); export_ {
		exportPackage(opts)
	} else if import_, _ := opts.Bool("import"); import_ {
		importPackage(opts)
	} else if share_, _ := opts.Bool("share"); share_ {
		share(opts)
	} else if relay_, _ := opts.Bool("relay"); relay_ {
		runRelay(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

func loadConfig(opts docopt.Opts) *Config {
	configPath, _ := opts.String("--config")
	cfg, err := LoadConfig(configPath)
	if err != nil {
		Err.Fatalf("Could not load config (%s).", err)
	}
	return cfg
}

func storeSettings(cfg *Config) *docstore.DocumentStoreSettings {
	settings, err := cfg.DocumentStoreSettings()
	if err != nil {
		Err.Fatalf("Invalid config (%s).", err)
	}
	return settings
}

func openCountStore(ctx context.Context, storage *docstore.PackageStorage, location string, settings *docstore.DocumentStoreSettings) *docstore.CountStore {
	pkg, err := storage.Read(ctx, location)
	if err != nil {
		Err.Fatalf("Could not read package (%s).", err)
	}
	countStore, err := docstore.LoadCountStore(ctx, docstore.NewAutomergeCodec(), pkg, settings)
	if err != nil {
		Err.Fatalf("Could not load package (%s).", err)
	}
	return countStore
}

func saveCountStore(ctx context.Context, storage *docstore.PackageStorage, location string, countStore *docstore.CountStore) {
	pkg, err := countStore.Store().Save()
	if err != nil {
		Err.Fatalf("Could not save (%s).", err)
	}
	if err := storage.Write(ctx, location, pkg); err != nil {
		Err.Fatalf("Could not write package (%s).", err)
	}
}

func printCount(countStore *docstore.CountStore) {
	count, err := countStore.Count()
	if err != nil {
		Err.Fatalf("Could not read count (%s).", err)
	}
	Out.Printf("%s %d\n", countStore.Id(), count)
}

func create(opts docopt.Opts) {
	location, _ := opts.String("<package>")
	cfg := loadConfig(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage := docstore.NewPackageStorage()
	if exists, err := storage.Exists(ctx, location); err != nil {
		Err.Fatalf("%s", err)
	} else if exists {
		Err.Fatalf("Package %s already exists.", location)
	}

	countStore, err := docstore.NewCountStore(ctx, docstore.NewAutomergeCodec(), storeSettings(cfg))
	if err != nil {
		Err.Fatalf("Could not create (%s).", err)
	}
	defer countStore.Close()

	saveCountStore(ctx, storage, location, countStore)
	printCount(countStore)
}

func show(opts docopt.Opts) {
	location, _ := opts.String("<package>")
	tree, _ := opts.Bool("--tree")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage := docstore.NewPackageStorage()
	pkg, err := storage.Read(ctx, location)
	if err != nil {
		Err.Fatalf("Could not read package (%s).", err)
	}
	parsed, err := docstore.ParsePackage(pkg)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	countStore, err := docstore.LoadCountStore(ctx, docstore.NewAutomergeCodec(), pkg, docstore.DefaultDocumentStoreSettings())
	if err != nil {
		Err.Fatalf("Could not load package (%s).", err)
	}
	defer countStore.Close()

	count, err := countStore.Count()
	if err != nil {
		Err.Fatalf("%s", err)
	}
	heads, err := countStore.Store().Heads()
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("id: %s\n", parsed.Id)
	Out.Printf("count: %d\n", count)
	Out.Printf("heads: %s\n", heads)
	Out.Printf("snapshot: %s\n", parsed.SnapshotKey)
	Out.Printf("incrementals: %d\n", parsed.Incrementals.Len())
	if tree {
		Out.Printf("%s", pkg.Root().DebugHierarchy(location))
	}
}

func increment(opts docopt.Opts) {
	location, _ := opts.String("<package>")
	delta := int64(1)
	if deltaStr, err := opts.String("<delta>"); err == nil && deltaStr != "" {
		delta, err = strconv.ParseInt(deltaStr, 10, 64)
		if err != nil {
			Err.Fatalf("Invalid delta (%s).", err)
		}
	}
	cfg := loadConfig(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage := docstore.NewPackageStorage()
	countStore := openCountStore(ctx, storage, location, storeSettings(cfg))
	defer countStore.Close()

	if _, err := countStore.Increment(delta); err != nil {
		Err.Fatalf("Could not increment (%s).", err)
	}
	saveCountStore(ctx, storage, location, countStore)
	printCount(countStore)
}

// merge folds another copy of the same document into the package
func merge(opts docopt.Opts) {
	location, _ := opts.String("<package>")
	incomingLocation, _ := opts.String("<incoming>")
	cfg := loadConfig(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage := docstore.NewPackageStorage()
	countStore := openCountStore(ctx, storage, location, storeSettings(cfg))
	defer countStore.Close()

	incoming, err := storage.Read(ctx, incomingLocation)
	if err != nil {
		Err.Fatalf("Could not read incoming package (%s).", err)
	}
	result, err := countStore.Store().ReconcileSibling(incoming)
	if err != nil {
		Err.Fatalf("Could not merge (%s).", err)
	}
	Out.Printf("merged %s\n", result)
	saveCountStore(ctx, storage, location, countStore)
	printCount(countStore)
}

// resolve reconciles the conflicting copies a sync provider left next to the package
func resolve(opts docopt.Opts) {
	location, _ := opts.String("<package>")
	cfg := loadConfig(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage := docstore.NewPackageStorage()
	countStore := openCountStore(ctx, storage, location, storeSettings(cfg))
	defer countStore.Close()

	persist := func(pkg *docstore.Package) error {
		return storage.Write(ctx, location, pkg)
	}
	report, err := countStore.Store().ReconcileConflicts(
		ctx,
		docstore.NewFsConflictDetector(storage),
		location,
		persist,
	)
	if report != nil {
		for _, resolved := range report.Resolved {
			Out.Printf("resolved %s\n", resolved)
		}
		Out.Printf("merged %s\n", report.MergeResult)
	}
	if err != nil {
		Err.Printf("Some conflicts were not resolved (%s).", err)
	}
	saveCountStore(ctx, storage, location, countStore)
	printCount(countStore)
}

func compact(opts docopt.Opts) {
	location, _ := opts.String("<package>")
	cfg := loadConfig(opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage := docstore.NewPackageStorage()
	countStore := openCountStore(ctx, storage, location, storeSettings(cfg))
	defer countStore.Close()

	pkg, err := countStore.Store().Compact()
	if err != nil {
		Err.Fatalf("Could not compact (%s).", err)
	}
	if err := storage.Write(ctx, location, pkg); err != nil {
		Err.Fatalf("Could not write package (%s).", err)
	}
	Out.Printf("%s", pkg.Root().DebugHierarchy(location))
}

func exportPackage(opts docopt.Opts) {
	location, _ := opts.String("<package>")
	blobPath, _ := opts.String("<blob>")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storage := docstore.NewPackageStorage()
	pkg, err := storage.Read(ctx, location)
	if err != nil {
		Err.Fatalf("Could not read package (%s).", err)
	}
	if _, err := docstore.ParsePackage(pkg); err != nil {
		Err.Fatalf("%s", err)
	}
	if err := os.WriteFile(blobPath, docstore.EncodePackage(pkg), 0o644); err != nil {
		Err.Fatalf("Could not write blob (%s).", err)
	}
}

func importPackage(opts docopt.Opts) {
	blobPath, _ := opts.String("<blob>")
	location, _ := opts.String("<package>")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blob, err := os.ReadFile(blobPath)
	if err != nil {
		Err.Fatalf("Could not read blob (%s).", err)
	}
	pkg, err := docstore.DecodePackage(blob)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	parsed, err := docstore.ParsePackage(pkg)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	storage := docstore.NewPackageStorage()
	exists, err := storage.Exists(ctx, location)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	if !exists {
		if err := storage.Write(ctx, location, pkg); err != nil {
			Err.Fatalf("Could not write package (%s).", err)
		}
		Out.Printf("imported %s\n", parsed.Id)
		return
	}

	// an existing package keeps its entries and takes the exported content as new changes
	countStore := openCountStore(ctx, storage, location, storeSettings(loadConfig(opts)))
	defer countStore.Close()
	if err := countStore.Store().MergePackage(pkg); err != nil {
		Err.Fatalf("Could not merge (%s).", err)
	}
	saveCountStore(ctx, storage, location, countStore)
	Out.Printf("merged %s\n", parsed.Id)
	printCount(countStore)
}

// share keeps the package in sync through a relay and saves every change
func share(opts docopt.Opts) {
	location, _ := opts.String("<package>")
	cfg := loadConfig(opts)
	relayUrl := cfg.Sharing.RelayUrl
	if relayUrl_, err := opts.String("--relay_url"); err == nil && relayUrl_ != "" {
		relayUrl = relayUrl_
	}
	authToken := cfg.Sharing.AuthToken
	if authToken_, err := opts.String("--auth_token"); err == nil && authToken_ != "" {
		authToken = authToken_
	}
	var timeout <-chan time.Time
	if durationStr, err := opts.String("--duration"); err == nil && durationStr != "" {
		duration, err := time.ParseDuration(durationStr)
		if err != nil {
			Err.Fatalf("Invalid duration (%s).", err)
		}
		timeout = time.After(duration)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	storage := docstore.NewPackageStorage()
	countStore := openCountStore(ctx, storage, location, storeSettings(cfg))
	defer countStore.Close()

	sharing := docstore.NewSharingServiceWithDefaults(ctx, relayUrl, authToken)
	defer sharing.Close()

	sharing.AddConnectionStateCallback(func(state docstore.ConnectionState) {
		Out.Printf("relay %s\n", state)
	})

	saves := make(chan struct{}, 1)
	countStore.AddCountChangeCallback(func(id docstore.DocumentId, count int64) {
		Out.Printf("%s %d\n", id, count)
		select {
		case saves <- struct{}{}:
		default:
		}
	})

	status := sharing.Share(ctx, countStore.Store())
	Out.Printf("%s\n", status)
	if status.State != docstore.Registered {
		return
	}
	printCount(countStore)

	for {
		select {
		case <-ctx.Done():
			saveCountStore(context.Background(), storage, location, countStore)
			return
		case <-timeout:
			saveCountStore(ctx, storage, location, countStore)
			return
		case <-saves:
			saveCountStore(ctx, storage, location, countStore)
		}
	}
}

func runRelay(opts docopt.Opts) {
	cfg := loadConfig(opts)
	addr := cfg.Relay.Addr
	if addr_, err := opts.String("--addr"); err == nil && addr_ != "" {
		addr = addr_
	}
	secret := cfg.Relay.Secret
	if secret_, err := opts.String("--secret"); err == nil && secret_ != "" {
		secret = secret_
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	settings := relay.DefaultRelaySettings()
	if secret != "" {
		settings.Secret = []byte(secret)
	}
	if 0 < cfg.Relay.MaxBlobsPerDocument {
		settings.MaxBlobsPerDocument = cfg.Relay.MaxBlobsPerDocument
	}

	mux := http.NewServeMux()
	mux.Handle("/relay", relay.NewRelay(ctx, settings))
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	Out.Printf("relay listening on %s\n", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		Err.Fatalf("%s", err)
	}
}

func token(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	subject, _ := opts.String("--subject")
	var ttl time.Duration
	if ttlStr, err := opts.String("--ttl"); err == nil && ttlStr != "" {
		ttl, err = time.ParseDuration(ttlStr)
		if err != nil {
			Err.Fatalf("Invalid ttl (%s).", err)
		}
	}

	tokenStr, err := docstore.NewRelayToken([]byte(secret), subject, ttl)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s\n", tokenStr)
}
