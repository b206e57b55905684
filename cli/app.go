package cli

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tagsend/ble"
	"tagsend/config"
	"tagsend/network"
	"tagsend/session"
	"tagsend/storage"
	"tagsend/ui"
)

// app holds what every command needs.
type app struct {
	cfg     *config.AppConfig
	dataDir string
	log     *zap.Logger
	store   *storage.Store
}

func loadApp(flags *globalFlags, withStore bool) (*app, error) {
	cfg, _, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyFlags(cfg, flags)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, dataDir: dataDir, log: log}
	if withStore && cfg.History() {
		store, dbPath, err := storage.Open(dataDir)
		if err != nil {
			_ = log.Sync()
			return nil, fmt.Errorf("open history: %w", err)
		}
		store.SetDeliveryRetention(cfg.HistoryRetention())
		log.Debug("history opened", zap.String("path", dbPath), zap.Duration("retention", cfg.HistoryRetention()))
		a.store = store
	}
	return a, nil
}

func applyFlags(cfg *config.AppConfig, flags *globalFlags) {
	if flags == nil {
		return
	}
	if flags.transport != "" {
		cfg.Transport = strings.ToLower(flags.transport)
	}
	if len(flags.lanPeers) > 0 {
		cfg.Transport = config.TransportLAN
	}
	if flags.logLevel != "" {
		cfg.LogLevel = strings.ToLower(flags.logLevel)
	}
	if flags.adapterID != "" {
		cfg.AdapterID = flags.adapterID
	}
	if flags.noHistory {
		disabled := false
		cfg.HistoryEnabled = &disabled
	}
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close history", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}

// newTransport picks the session transport for the configured link.
func newTransport(cfg *config.AppConfig, lanPeers []string, log *zap.Logger) (session.Transport, error) {
	switch cfg.Transport {
	case config.TransportLAN:
		tc := network.TransportConfig{Logger: log.Named("lan")}
		if len(lanPeers) > 0 {
			browser := make(network.StaticBrowser, 0, len(lanPeers))
			for _, addr := range lanPeers {
				peer, err := network.StaticPeer(addr, "", cfg.ServiceUUID)
				if err != nil {
					return nil, err
				}
				browser = append(browser, peer)
			}
			tc.Browser = browser
		}
		return network.NewTransport(tc)
	case config.TransportBLE:
		return ble.New(ble.Config{AdapterID: cfg.AdapterID, Logger: log.Named("ble")}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func (a *app) newManager(lanPeers []string) (*session.Manager, error) {
	transport, err := newTransport(a.cfg, lanPeers, a.log)
	if err != nil {
		return nil, err
	}
	opts := a.cfg.SessionOptions()
	opts.Logger = a.log.Named("session")
	return session.NewManager(transport, opts)
}

func (a *app) recordDelivery(peer session.PeerRecord, text string, sendErr error, elapsed time.Duration) {
	if a.store == nil || peer.ID == "" {
		return
	}
	if _, err := a.store.RecordDelivery(ui.DeliveryFor(peer, text, sendErr, elapsed)); err != nil {
		a.log.Warn("record delivery", zap.Error(err))
	}
}

func (a *app) historyFile() string {
	return filepath.Join(a.dataDir, "console_history")
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// userError carries the console wording of a failure while keeping the
// underlying error matchable with errors.Is.
type userError struct {
	msg string
	err error
}

func (e *userError) Error() string { return e.msg }

func (e *userError) Unwrap() error { return e.err }

func describedError(err error) error {
	return &userError{msg: ui.DescribeError(err), err: err}
}
