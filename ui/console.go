// Package ui is the interactive console for scanning, connecting and sending.
package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"go.uber.org/zap"

	"tagsend/codec"
	"tagsend/session"
	"tagsend/storage"
)

const historyPageSize = 20

// ConsoleConfig wires the console to its collaborators.
type ConsoleConfig struct {
	Manager *session.Manager
	// Store records deliveries when non-nil.
	Store       *storage.Store
	Logger      *zap.Logger
	Out         io.Writer
	HistoryFile string
}

// Console runs the command loop. It owns at most one session.
type Console struct {
	manager     *session.Manager
	store       *storage.Store
	log         *zap.Logger
	out         io.Writer
	historyFile string

	peers   []session.PeerRecord
	current *session.Session

	ok    *color.Color
	warn  *color.Color
	fail  *color.Color
	title *color.Color
}

// NewConsole creates a console.
func NewConsole(cfg ConsoleConfig) (*Console, error) {
	if cfg.Manager == nil {
		return nil, errors.New("session manager is required")
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Console{
		manager:     cfg.Manager,
		store:       cfg.Store,
		log:         log,
		out:         out,
		historyFile: cfg.HistoryFile,
		ok:          color.New(color.FgGreen),
		warn:        color.New(color.FgYellow),
		fail:        color.New(color.FgRed),
		title:       color.New(color.FgMagenta, color.Bold),
	}, nil
}

// Run reads commands until /quit, EOF or ctx is done. The open session is closed
// on return.
func (c *Console) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.prompt(),
		HistoryFile:     c.historyFile,
		AutoComplete:    c.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
		Stdout:          c.out,
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()
	defer c.closeSession()

	c.printHelp()
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if strings.TrimSpace(line) == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		if quit := c.Execute(ctx, line); quit {
			return nil
		}
		rl.SetPrompt(c.prompt())
	}
}

// Execute runs one input line and reports whether the console should exit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	cmd, arg := parseCommand(line)
	switch cmd {
	case "":
	case "/quit", "/exit":
		return true
	case "/help":
		c.printHelp()
	case "/scan":
		c.scan(ctx)
	case "/connect":
		c.connect(ctx, arg)
	case "/send":
		c.send(ctx, arg)
	case "/status":
		c.status()
	case "/disconnect":
		c.disconnect()
	case "/history":
		c.history()
	default:
		c.fail.Fprintf(c.out, "unknown command %s, try /help\n", cmd)
	}
	return false
}

// parseCommand splits an input line. Text without a leading slash is a send.
func parseCommand(line string) (string, string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", ""
	}
	if !strings.HasPrefix(trimmed, "/") {
		return "/send", line
	}
	cmd, arg, _ := strings.Cut(trimmed, " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

func (c *Console) scan(ctx context.Context) {
	window := c.manager.Options().ScanTimeout
	fmt.Fprintf(c.out, "scanning for %s...\n", window)

	peers, err := c.manager.Scan(ctx, window)
	if err != nil {
		c.fail.Fprintln(c.out, DescribeError(err))
		return
	}
	c.peers = peers
	if len(peers) == 0 {
		c.warn.Fprintln(c.out, "no devices found")
		return
	}
	for i, peer := range peers {
		name := peer.Name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Fprintf(c.out, "  %d) %s  %s\n", i+1, name, peer.ID)
	}
}

// resolvePeer accepts a 1-based index into the last scan, a scanned ID, or a raw ID.
func (c *Console) resolvePeer(arg string) (session.PeerRecord, error) {
	if arg == "" {
		if len(c.peers) == 1 {
			return c.peers[0], nil
		}
		return session.PeerRecord{}, errors.New("usage: /connect <number|id>")
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(c.peers) {
			return session.PeerRecord{}, fmt.Errorf("no device %d in the last scan", n)
		}
		return c.peers[n-1], nil
	}
	for _, peer := range c.peers {
		if strings.EqualFold(peer.ID, arg) {
			return peer, nil
		}
	}
	return session.PeerRecord{ID: arg}, nil
}

func (c *Console) connect(ctx context.Context, arg string) {
	peer, err := c.resolvePeer(arg)
	if err != nil {
		c.fail.Fprintln(c.out, err.Error())
		return
	}
	c.closeSession()

	fmt.Fprintf(c.out, "connecting to %s...\n", peer.DisplayName())
	s, err := c.manager.Connect(ctx, peer)
	if err != nil {
		c.fail.Fprintln(c.out, DescribeError(err))
		c.log.Debug("connect failed", zap.String("peer", peer.ID), zap.Error(err))
		return
	}
	c.current = s
	c.ok.Fprintf(c.out, "connected to %s\n", peer.DisplayName())
}

func (c *Console) send(ctx context.Context, text string) {
	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) > codec.MaxMessageChars {
		trimmed = codec.Truncate(trimmed)
		c.warn.Fprintf(c.out, "message cut to %d characters\n", codec.MaxMessageChars)
	}

	var peer session.PeerRecord
	if c.current != nil {
		peer = c.current.Peer
	}

	started := time.Now()
	err := c.manager.Send(ctx, c.current, trimmed)
	c.record(peer, trimmed, err, time.Since(started))
	if err != nil {
		c.fail.Fprintln(c.out, DescribeError(err))
		return
	}
	c.ok.Fprintln(c.out, "message sent")
}

func (c *Console) record(peer session.PeerRecord, text string, sendErr error, elapsed time.Duration) {
	if c.store == nil || peer.ID == "" {
		return
	}
	if _, err := c.store.RecordDelivery(DeliveryFor(peer, text, sendErr, elapsed)); err != nil {
		c.log.Warn("record delivery", zap.Error(err))
	}
}

func (c *Console) status() {
	fmt.Fprintf(c.out, "scanner: %s\n", c.manager.State())
	if c.current == nil {
		fmt.Fprintln(c.out, "session: none")
		return
	}
	fmt.Fprintf(c.out, "session: %s %s since %s\n",
		c.current.State(), c.current.Peer.DisplayName(), c.current.ConnectedAt.Format(time.TimeOnly))
	if err := c.current.Err(); err != nil {
		c.warn.Fprintf(c.out, "link: %v\n", err)
	}
}

func (c *Console) disconnect() {
	if c.current == nil {
		c.warn.Fprintln(c.out, "not connected")
		return
	}
	name := c.current.Peer.DisplayName()
	c.closeSession()
	fmt.Fprintf(c.out, "disconnected from %s\n", name)
}

func (c *Console) closeSession() {
	if c.current == nil {
		return
	}
	if err := c.current.Close(); err != nil {
		c.log.Debug("close session", zap.Error(err))
	}
	c.current = nil
}

func (c *Console) history() {
	if c.store == nil {
		c.warn.Fprintln(c.out, "history is disabled")
		return
	}
	deliveries, err := c.store.ListDeliveries(storage.DeliveryFilter{Limit: historyPageSize})
	if err != nil {
		c.fail.Fprintf(c.out, "read history: %v\n", err)
		return
	}
	PrintDeliveries(c.out, deliveries)
}

// PrintDeliveries writes a delivery table, newest first.
func PrintDeliveries(out io.Writer, deliveries []storage.Delivery) {
	if len(deliveries) == 0 {
		fmt.Fprintln(out, "no deliveries recorded")
		return
	}
	for _, d := range deliveries {
		peer := d.PeerID
		if d.PeerName != nil {
			peer = *d.PeerName
		}
		line := fmt.Sprintf("%s  %-9s  %-20s  %q",
			time.UnixMilli(d.AttemptedAt).Format(time.DateTime), d.Status, peer, d.Content)
		statusColor(d.Status).Fprintln(out, line)
	}
}

func statusColor(status string) *color.Color {
	switch status {
	case storage.DeliveryStatusSent:
		return color.New(color.FgGreen)
	case storage.DeliveryStatusTimedOut:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}

func (c *Console) prompt() string {
	if c.current != nil && c.current.Ready() {
		return color.GreenString("%s> ", c.current.Peer.DisplayName())
	}
	return color.CyanString("tagsend> ")
}

func (c *Console) completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("/scan"),
		readline.PcItem("/connect", readline.PcItemDynamic(func(string) []string {
			ids := make([]string, 0, len(c.peers))
			for _, peer := range c.peers {
				ids = append(ids, peer.ID)
			}
			return ids
		})),
		readline.PcItem("/send"),
		readline.PcItem("/status"),
		readline.PcItem("/disconnect"),
		readline.PcItem("/history"),
		readline.PcItem("/help"),
		readline.PcItem("/quit"),
	)
}

func (c *Console) printHelp() {
	c.title.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  /scan                  look for tags nearby")
	fmt.Fprintln(c.out, "  /connect <n|id>        connect to a scanned tag")
	fmt.Fprintln(c.out, "  /send <text> or text   write a message (up to 128 characters)")
	fmt.Fprintln(c.out, "  /status                show scanner and session state")
	fmt.Fprintln(c.out, "  /disconnect            close the session")
	fmt.Fprintln(c.out, "  /history               show recent deliveries")
	fmt.Fprintln(c.out, "  /quit                  exit")
}
