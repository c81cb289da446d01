package node

import (
	"fmt"
	"time"

	"github.com/database64128/vl1-go/fragment"
	"github.com/database64128/vl1-go/identity"
	"github.com/database64128/vl1-go/jsonhelper"
	"github.com/database64128/vl1-go/packet"
	"github.com/database64128/vl1-go/peer"
	"github.com/database64128/vl1-go/tslog"
)

const (
	// defaultFragmentTimeout is how long an incomplete packet waits for its remaining fragments.
	defaultFragmentTimeout = 500 * time.Millisecond

	// defaultReapInterval is how often incomplete packets are checked for expiry.
	defaultReapInterval = time.Second

	// defaultMaxPendingPackets bounds the number of incomplete packets held at once.
	defaultMaxPendingPackets = 1024
)

// Config is the configuration of a [Node].
// It may be marshaled as or unmarshaled from JSON.
type Config struct {
	// MTU is the maximum size of a datagram, including VL1 headers.
	//
	// If unspecified, [packet.DefaultMTU] is used.
	MTU int `json:"mtu,omitempty"`

	// FragmentTimeout is how long an incomplete packet is kept.
	//
	// If unspecified, 500ms is used.
	FragmentTimeout jsonhelper.Duration `json:"fragmentTimeout,omitempty"`

	// ReapInterval is how often incomplete packets are checked for expiry.
	//
	// If unspecified, 1s is used.
	ReapInterval jsonhelper.Duration `json:"reapInterval,omitempty"`

	// MaxPendingPackets is the maximum number of incomplete packets.
	// Fragments of new packets are dropped while the limit is reached.
	//
	// If unspecified, 1024 is used.
	MaxPendingPackets int `json:"maxPendingPackets,omitempty"`

	// Log configures the node's logger.
	Log tslog.Config `json:"log"`
}

// LoadConfig loads a config from the JSON file at path and applies defaults.
// Unknown fields are rejected.
func LoadConfig(path string) (Config, error) {
	var c Config
	if err := jsonhelper.OpenAndDecodeDisallowUnknownFields(path, &c); err != nil {
		return Config{}, fmt.Errorf("failed to load config from %q: %w", path, err)
	}
	if err := c.CheckAndApplyDefaults(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Save writes the config to the file at path as indented JSON.
func (c *Config) Save(path string) error {
	return jsonhelper.CreateAndEncode(path, c)
}

// CheckAndApplyDefaults checks and applies default values to the configuration.
func (c *Config) CheckAndApplyDefaults() error {
	switch {
	case c.MTU == 0:
		c.MTU = packet.DefaultMTU
	case c.MTU < packet.MinMTU:
		return fmt.Errorf("%w: %d", packet.ErrMTUTooSmall, c.MTU)
	}

	switch {
	case c.FragmentTimeout == 0:
		c.FragmentTimeout = jsonhelper.Duration(defaultFragmentTimeout)
	case c.FragmentTimeout < 0:
		return fmt.Errorf("fragment timeout must not be negative: %s", c.FragmentTimeout)
	}

	switch {
	case c.ReapInterval == 0:
		c.ReapInterval = jsonhelper.Duration(defaultReapInterval)
	case c.ReapInterval < 0:
		return fmt.Errorf("reap interval must not be negative: %s", c.ReapInterval)
	}

	switch {
	case c.MaxPendingPackets == 0:
		c.MaxPendingPackets = defaultMaxPendingPackets
	case c.MaxPendingPackets < 0:
		return fmt.Errorf("max pending packets must not be negative: %d", c.MaxPendingPackets)
	}

	return nil
}

// Node creates a node for the local identity self.
// Call CheckAndApplyDefaults first.
func (c *Config) Node(self *identity.Secret, logger *tslog.Logger) *Node {
	n := Node{
		self:              self,
		peers:             peer.NewTable(),
		logger:            logger,
		mtu:               c.MTU,
		fragmentTimeout:   c.FragmentTimeout.Value().Milliseconds(),
		reapInterval:      c.ReapInterval.Value(),
		maxPendingPackets: c.MaxPendingPackets,
		clock:             ticks,
		defrag:            make(map[uint64]*fragment.Set),
	}
	n.nextIV.Store(uint64(time.Now().UnixNano()))
	return &n
}
