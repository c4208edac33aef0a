// Package process owns the DSU's whole daemon lifecycle: it loads
// configuration, wires every collaborator together, runs the NDN
// stack's own single-threaded event loop until interrupted, and tears
// everything down cleanly on the way out (spec.md §2 item 6,
// SPEC_FULL.md §4.8). It is the only package that knows how to
// assemble internal/fetch's collaborators from a config.Config — every
// other package is wired purely through constructor arguments.
package process

import (
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	enc "github.com/named-data/ndnd/std/encoding"
	"github.com/named-data/ndnd/std/engine/basic"
	"github.com/named-data/ndnd/std/engine/face"
	"github.com/named-data/ndnd/std/log"
	"github.com/named-data/ndnd/std/ndn"

	"github.com/named-data/dsu/internal/config"
	"github.com/named-data/dsu/internal/fetch"
	"github.com/named-data/dsu/internal/identity"
	"github.com/named-data/dsu/internal/linktable"
	"github.com/named-data/dsu/internal/objcache"
	"github.com/named-data/dsu/internal/repochan"
	"github.com/named-data/dsu/internal/statestore"
)

// Run loads the config at cfgPath, runs the DSU until SIGINT/SIGTERM,
// and returns after a clean shutdown. It is the body of the CLI's
// "run" subcommand.
func Run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("process: load config: %w", err)
	}
	if _, err := log.ParseLevel(strings.ToUpper(cfg.LogLevel)); err != nil {
		return fmt.Errorf("process: invalid log_level %q: %w", cfg.LogLevel, err)
	}

	identityName, err := enc.NameFromStr(cfg.DeploymentPrefix + "/dsu/" + cfg.ProducerPrefix)
	if err != nil {
		return fmt.Errorf("process: derive identity name: %w", err)
	}
	signer, err := identity.Resolve(identityName, cfg.Signing)
	if err != nil {
		return fmt.Errorf("process: resolve signing identity: %w", err)
	}

	cache, err := objcache.New(cfg.Cache.BadgerDir)
	if err != nil {
		return fmt.Errorf("process: open object cache: %w", err)
	}
	defer cache.Close()

	pitTable, err := statestore.Load(cfg.StateFile)
	if err != nil {
		return fmt.Errorf("process: load state file: %w", err)
	}
	links := linktable.New()

	f, err := faceFromURI(cfg.Face)
	if err != nil {
		return fmt.Errorf("process: build face: %w", err)
	}
	eng := basic.NewEngine(f, basic.NewTimer())
	if err := eng.Start(); err != nil {
		return fmt.Errorf("process: start engine: %w", err)
	}
	defer eng.Stop()

	repoAddr := cfg.RepoAddr()

	// The three channels' onData callbacks close over fe, which isn't
	// constructed yet — fe is assigned once NewEngine returns, and by
	// then only background reader goroutines (posted through eng.Post,
	// never called synchronously from Dial) can invoke these closures.
	var fe *fetch.Engine
	writeChan, err := repochan.Dial("write", repoAddr, eng.Post, func(d ndn.Data) { fe.OnWriteChannelData(d) })
	if err != nil {
		return fmt.Errorf("process: dial write channel: %w", err)
	}
	defer writeChan.Close()

	confirmChan, err := repochan.Dial("confirm", repoAddr, eng.Post, func(d ndn.Data) { fe.OnConfirmChannelData(d) })
	if err != nil {
		return fmt.Errorf("process: dial confirm channel: %w", err)
	}
	defer confirmChan.Close()

	localCheckChan, err := repochan.Dial("local-check", repoAddr, eng.Post, func(d ndn.Data) { fe.OnLocalCheckChannelData(d) })
	if err != nil {
		return fmt.Errorf("process: dial local-check channel: %w", err)
	}
	defer localCheckChan.Close()

	fe, err = fetch.NewEngine(eng, signer, writeChan, confirmChan, localCheckChan, pitTable, links, cfg, time.Now)
	if err != nil {
		return fmt.Errorf("process: construct fetch engine: %w", err)
	}
	fe.SetCache(cache)

	certWire, err := identity.EnsureCertificate(cache, identityName, signer)
	if err != nil {
		return fmt.Errorf("process: ensure signing certificate: %w", err)
	}
	fe.PublishCertificate(identity.CertName(identityName), certWire)

	if err := eng.AttachHandler(fe.RegisterPrefix(), fe.HandleRegister); err != nil {
		return fmt.Errorf("process: attach register handler: %w", err)
	}
	defer eng.DetachHandler(fe.RegisterPrefix())
	if err := eng.RegisterRoute(fe.RegisterPrefix()); err != nil {
		return fmt.Errorf("process: register route %s: %w", fe.RegisterPrefix(), err)
	}
	defer eng.UnregisterRoute(fe.RegisterPrefix())

	if err := eng.AttachHandler(fe.ConfirmPrefix(), fe.HandleConfirm); err != nil {
		return fmt.Errorf("process: attach confirm handler: %w", err)
	}
	defer eng.DetachHandler(fe.ConfirmPrefix())
	if err := eng.RegisterRoute(fe.ConfirmPrefix()); err != nil {
		return fmt.Errorf("process: register route %s: %w", fe.ConfirmPrefix(), err)
	}
	defer eng.UnregisterRoute(fe.ConfirmPrefix())

	eng.Post(fe.Resume)

	log.Info(nil, "dsu started", "register-prefix", fe.RegisterPrefix(), "confirm-prefix", fe.ConfirmPrefix())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info(nil, "received signal, shutting down", "signal", sig)

	if err := statestore.Save(cfg.StateFile, pitTable); err != nil {
		log.Error(nil, "failed to persist state on shutdown", "err", err)
	}
	return nil
}

// faceFromURI builds an ndn.Face from Config.Face, following
// std/engine.NewDefaultFace's own scheme dispatch (unix:// or tcp://).
func faceFromURI(transportURI string) (ndn.Face, error) {
	u, err := url.Parse(transportURI)
	if err != nil {
		return nil, fmt.Errorf("parse transport uri %q: %w", transportURI, err)
	}
	switch u.Scheme {
	case "unix":
		return face.NewStreamFace("unix", u.Path, true), nil
	case "tcp", "tcp4", "tcp6":
		return face.NewStreamFace(u.Scheme, u.Host, false), nil
	default:
		return nil, fmt.Errorf("unsupported transport uri scheme %q", u.Scheme)
	}
}
