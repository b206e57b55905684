package discovery

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// Peer is one emulated peer found on the network.
type Peer struct {
	PeerID      string
	Name        string
	ServiceUUID string
	Version     int
	HostName    string
	Port        int
	Addresses   []string
}

// Address returns a dialable host:port, preferring IPv4.
func (p Peer) Address() string {
	if len(p.Addresses) == 0 {
		return net.JoinHostPort(strings.TrimSuffix(p.HostName, "."), strconv.Itoa(p.Port))
	}
	for _, addr := range p.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			return net.JoinHostPort(addr, strconv.Itoa(p.Port))
		}
	}
	return net.JoinHostPort(p.Addresses[0], strconv.Itoa(p.Port))
}

// Browser streams mDNS entries for emulated peers.
type Browser struct {
	cfg    Config
	browse browseFunc
}

// NewBrowser creates a browser with config defaults applied.
func NewBrowser(config Config) (*Browser, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Browser{cfg: cfg, browse: browse}, nil
}

// Browse reports every matching entry to found until ctx is done. The same peer
// may be reported more than once.
func (b *Browser) Browse(ctx context.Context, found func(Peer)) error {
	browseCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-browseCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, b.cfg.ServiceUUID)
				if !ok {
					continue
				}
				found(peer)
			}
		}
	}()

	if err := b.browse(browseCtx, b.cfg.Service, b.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return err
	}

	<-browseCtx.Done()
	<-collectorDone
	return nil
}

func parseEntry(entry *zeroconf.ServiceEntry, serviceUUID string) (Peer, bool) {
	txt := txtToMap(entry.Text)

	peerID := strings.TrimSpace(txt["peer_id"])
	if peerID == "" {
		return Peer{}, false
	}
	advertised := strings.TrimSpace(txt["service_uuid"])
	if serviceUUID != "" && !strings.EqualFold(advertised, serviceUUID) {
		return Peer{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	return Peer{
		PeerID:      peerID,
		Name:        strings.TrimSpace(entry.Instance),
		ServiceUUID: advertised,
		Version:     version,
		HostName:    entry.HostName,
		Port:        entry.Port,
		Addresses:   addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
