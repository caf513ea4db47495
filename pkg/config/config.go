// Package config loads the tunnel daemon's YAML configuration and turns it
// into the protocol configuration the tunnel consumes.
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/juanpablocruz/alpha/pkg/association"
	"github.com/juanpablocruz/alpha/pkg/cachetree"
	"github.com/juanpablocruz/alpha/pkg/digest"
	"github.com/juanpablocruz/alpha/pkg/peer"
	"github.com/juanpablocruz/alpha/pkg/wire"
)

var ErrInvalid = errors.New("config: invalid")

const (
	TransportUDP = "udp"
	TransportTCP = "tcp"
	TransportP2P = "p2p"
)

type Config struct {
	Name      string `yaml:"name"`
	Listen    string `yaml:"listen"`
	Transport string `yaml:"transport"`
	// PrivateKey is the hex encoded 32 byte Ed25519 seed.
	PrivateKey string `yaml:"private_key"`

	Suite        string         `yaml:"suite"`
	ChainLength  int            `yaml:"chain_length"`
	SecMode      int            `yaml:"sec_mode"`
	Associations map[string]int `yaml:"associations"`

	S1Timeout        time.Duration `yaml:"s1_timeout"`
	MaxS1Retries     int           `yaml:"max_s1_retries"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PacketTimeout    time.Duration `yaml:"packet_timeout"`
	MaxHostQueue     int           `yaml:"max_host_queue"`

	MetricsListen string `yaml:"metrics_listen"`
	LogLevel      string `yaml:"log_level"`

	Peers []Peer `yaml:"peers"`
}

type Peer struct {
	Name      string `yaml:"name"`
	Addr      string `yaml:"addr"`
	PublicKey string `yaml:"public_key"`
	Initiate  bool   `yaml:"initiate"`
	// LocalListen receives application datagrams bound for this peer.
	LocalListen string `yaml:"local_listen"`
	// LocalForward receives the payloads this peer delivers.
	LocalForward string `yaml:"local_forward"`
}

// Load reads and validates a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "alpha"
	}
	if c.Listen == "" {
		c.Listen = "0.0.0.0:4500"
	}
	if c.Transport == "" {
		c.Transport = TransportUDP
	}
	if c.Suite == "" {
		c.Suite = "sha1"
	}
	if c.ChainLength == 0 {
		c.ChainLength = association.DefaultChainLength
	}
	if c.SecMode == 0 {
		c.SecMode = int(cachetree.OneNode)
	}
	if len(c.Associations) == 0 {
		c.Associations = map[string]int{"N": 1, "C": 1, "M": 1, "Z": 1}
	}
	if c.S1Timeout == 0 {
		c.S1Timeout = association.DefaultS1Timeout
	}
	if c.MaxS1Retries == 0 {
		c.MaxS1Retries = association.DefaultMaxRetries
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = peer.DefaultHandshakeTimeout
	}
	if c.PacketTimeout == 0 {
		c.PacketTimeout = peer.DefaultPacketTimeout
	}
	if c.MaxHostQueue == 0 {
		c.MaxHostQueue = peer.DefaultMaxHostQueue
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) Validate() error {
	switch c.Transport {
	case TransportUDP, TransportTCP, TransportP2P:
	default:
		return fmt.Errorf("%w: transport %q", ErrInvalid, c.Transport)
	}
	if _, err := digest.ByName(c.Suite); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.ChainLength < 4 {
		return fmt.Errorf("%w: chain_length %d", ErrInvalid, c.ChainLength)
	}
	if !cachetree.Mode(c.SecMode).Valid() {
		return fmt.Errorf("%w: sec_mode %d", ErrInvalid, c.SecMode)
	}
	total := 0
	for name, n := range c.Associations {
		if _, err := wire.ParseMode(name); err != nil {
			return fmt.Errorf("%w: associations: %v", ErrInvalid, err)
		}
		if n < 0 {
			return fmt.Errorf("%w: associations[%s] = %d", ErrInvalid, name, n)
		}
		total += n
	}
	if total > 254 {
		return fmt.Errorf("%w: %d associations per peer", ErrInvalid, total)
	}
	if c.S1Timeout < 0 || c.HandshakeTimeout < 0 || c.PacketTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalid)
	}
	if _, err := c.SigningKey(); err != nil {
		return err
	}
	names := map[string]bool{}
	for i, p := range c.Peers {
		if p.Name == "" || p.Addr == "" {
			return fmt.Errorf("%w: peers[%d] needs name and addr", ErrInvalid, i)
		}
		if names[p.Name] {
			return fmt.Errorf("%w: duplicate peer %q", ErrInvalid, p.Name)
		}
		names[p.Name] = true
		pub, err := p.Key()
		if err != nil {
			return err
		}
		if p.Initiate && pub == nil {
			return fmt.Errorf("%w: peer %q initiates but has no public_key", ErrInvalid, p.Name)
		}
	}
	return nil
}

// SigningKey expands the configured seed. An empty seed yields a nil key;
// callers generate an ephemeral one.
func (c *Config) SigningKey() (ed25519.PrivateKey, error) {
	if c.PrivateKey == "" {
		return nil, nil
	}
	seed, err := hex.DecodeString(c.PrivateKey)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: private_key must be %d hex bytes", ErrInvalid, ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Key decodes the peer's public key, nil when unset.
func (p Peer) Key() (ed25519.PublicKey, error) {
	if p.PublicKey == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(p.PublicKey)
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: peer %q public_key must be %d hex bytes", ErrInvalid, p.Name, ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// Counts returns the association counts keyed by mode.
func (c *Config) Counts() map[wire.Mode]int {
	out := map[wire.Mode]int{}
	for name, n := range c.Associations {
		if m, err := wire.ParseMode(name); err == nil && n > 0 {
			out[m] += n
		}
	}
	return out
}

// Protocol builds the peer configuration. key is the signer to use.
func (c *Config) Protocol(key ed25519.PrivateKey) (peer.Config, error) {
	suite, err := digest.ByName(c.Suite)
	if err != nil {
		return peer.Config{}, err
	}
	return peer.Config{
		Params: association.Params{
			Suite:        suite,
			ChainLength:  c.ChainLength,
			SecMode:      cachetree.Mode(c.SecMode),
			S1Timeout:    c.S1Timeout,
			MaxS1Retries: c.MaxS1Retries,
		},
		Counts:           c.Counts(),
		HandshakeTimeout: c.HandshakeTimeout,
		PacketTimeout:    c.PacketTimeout,
		MaxHostQueue:     c.MaxHostQueue,
		Key:              key,
	}, nil
}
