package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Directory errors.
var (
	ErrUnknownType    = errors.New("unknown directory type")
	ErrMissingSetting = errors.New("missing directory setting")
)

// Directory types accepted by Open.
const (
	TypeStatic = "static"
	TypeRedis  = "redis"
	TypeMDNS   = "mdns"
)

// DefaultThing is the sample thing paired with every demo account.
const DefaultThing = "esp32_devkitc_dean1"

// Directory lists paired devices.
type Directory interface {
	ListPairedDevices(ctx context.Context) ([]string, error)
}

// Options selects and configures a Directory.
type Options struct {
	// Type is static, redis or mdns. Empty means static.
	Type string

	// Things is the static device list.
	Things []string

	// RedisURL is a redis:// URL for the redis directory.
	RedisURL string

	// Username selects the pairing set for the redis directory.
	Username string

	// Interface restricts mDNS browsing to one network interface.
	Interface string

	// BrowseWindow bounds one mDNS listing.
	BrowseWindow time.Duration
}

// Open builds the directory described by opts. Callers should Close the
// result when it implements io.Closer.
func Open(ctx context.Context, opts Options) (Directory, error) {
	switch opts.Type {
	case "", TypeStatic:
		things := opts.Things
		if len(things) == 0 {
			things = []string{DefaultThing}
		}
		return NewStatic(things...), nil

	case TypeRedis:
		if opts.RedisURL == "" {
			return nil, fmt.Errorf("%w: redis url", ErrMissingSetting)
		}
		if opts.Username == "" {
			return nil, fmt.Errorf("%w: username", ErrMissingSetting)
		}
		return NewRedis(ctx, opts.RedisURL, opts.Username)

	case TypeMDNS:
		return NewMDNS(MDNSConfig{
			Interface: opts.Interface,
			Window:    opts.BrowseWindow,
		}), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, opts.Type)
	}
}

// Static is a fixed device list.
type Static struct {
	things []string
}

// NewStatic creates a static directory.
func NewStatic(things ...string) *Static {
	return &Static{things: normalize(things)}
}

// ListPairedDevices returns the configured list.
func (s *Static) ListPairedDevices(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return slices.Clone(s.things), nil
}

// normalize sorts ids and drops empties and duplicates.
func normalize(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
