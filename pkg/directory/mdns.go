package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// mDNS service parameters.
const (
	ServiceType = "_shadowlink._tcp"
	Domain      = "local."

	TXTKeyThing = "thing"
	TXTKeyModel = "model"

	// DefaultBrowseWindow is how long one listing collects answers.
	DefaultBrowseWindow = 2 * time.Second

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63
)

// ErrInstanceName is returned for empty or over-long instance names.
var ErrInstanceName = errors.New("invalid mDNS instance name")

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// TXTRecordsToStrings converts a TXTRecordMap to "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	out := make([]string, 0, len(txt))
	for k, v := range txt {
		out = append(out, k+"="+v)
	}
	return out
}

// StringsToTXTRecords parses "key=value" strings. A bare key maps to "".
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, _ := strings.Cut(s, "=")
		if k != "" {
			txt[k] = v
		}
	}
	return txt
}

// MDNSConfig configures mDNS browsing.
type MDNSConfig struct {
	// Interface restricts browsing to one interface. Empty means all.
	Interface string

	// Window bounds one listing. Defaults to DefaultBrowseWindow.
	Window time.Duration

	Logger *slog.Logger
}

// MDNS lists devices advertising ServiceType on the local network.
type MDNS struct {
	config MDNSConfig
	browse browseFunc
}

type browseFunc func(ctx context.Context, service, domain string, entries, removed chan<- *zeroconf.ServiceEntry, opts ...zeroconf.ClientOption) error

// NewMDNS creates an mDNS directory.
func NewMDNS(config MDNSConfig) *MDNS {
	if config.Window <= 0 {
		config.Window = DefaultBrowseWindow
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &MDNS{config: config, browse: zeroconf.Browse}
}

// ListPairedDevices browses for one window and returns every thing seen.
func (m *MDNS) ListPairedDevices(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.Window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	var browseErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		browseErr = m.browse(ctx, ServiceType, Domain, entries, removed, m.browserOptions()...)
	}()

	var things []string
	seen := make(map[string]bool)
loop:
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				break loop
			}
			thing := thingFromEntry(entry)
			if thing == "" || seen[thing] {
				continue
			}
			seen[thing] = true
			things = append(things, thing)
		case <-removed:
			// A single listing only reports what answered.
		case <-ctx.Done():
			break loop
		}
	}

	cancel()
	<-done
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		return nil, fmt.Errorf("mdns browse: %w", browseErr)
	}
	return normalize(things), nil
}

// browserOptions returns zeroconf client options based on config.
func (m *MDNS) browserOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if m.config.Interface != "" {
		iface, err := net.InterfaceByName(m.config.Interface)
		if err != nil {
			m.config.Logger.Warn("mdns interface not found, browsing all", "interface", m.config.Interface, "error", err)
			return nil
		}
		opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
	}
	return opts
}

// thingFromEntry returns the advertised thing, falling back to the instance name.
func thingFromEntry(entry *zeroconf.ServiceEntry) string {
	if entry == nil {
		return ""
	}
	txt := StringsToTXTRecords(entry.Text)
	if thing := txt[TXTKeyThing]; thing != "" {
		return thing
	}
	return entry.Instance
}

// Advertiser announces things over mDNS.
type Advertiser struct {
	mu      sync.Mutex
	servers map[string]*zeroconf.Server
	ifaces  []net.Interface
}

// NewAdvertiser creates an advertiser. A non-empty iface restricts it to
// that interface.
func NewAdvertiser(iface string) (*Advertiser, error) {
	a := &Advertiser{servers: make(map[string]*zeroconf.Server)}
	if iface != "" {
		ni, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("interface %s: %w", iface, err)
		}
		a.ifaces = []net.Interface{*ni}
	}
	return a, nil
}

// Advertise announces thing on port, replacing an earlier announcement.
func (a *Advertiser) Advertise(thing string, port int, model string) error {
	if thing == "" || len(thing) > MaxInstanceNameLen {
		return fmt.Errorf("%w: %q", ErrInstanceName, thing)
	}

	txt := TXTRecordMap{TXTKeyThing: thing}
	if model != "" {
		txt[TXTKeyModel] = model
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.servers[thing]; ok {
		old.Shutdown()
		delete(a.servers, thing)
	}

	server, err := zeroconf.Register(thing, ServiceType, Domain, port, TXTRecordsToStrings(txt), a.ifaces)
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", thing, err)
	}
	a.servers[thing] = server
	return nil
}

// Stop withdraws one announcement.
func (a *Advertiser) Stop(thing string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if server, ok := a.servers[thing]; ok {
		server.Shutdown()
		delete(a.servers, thing)
	}
}

// StopAll withdraws every announcement.
func (a *Advertiser) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for thing, server := range a.servers {
		server.Shutdown()
		delete(a.servers, thing)
	}
}
