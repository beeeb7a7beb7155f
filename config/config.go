// Package config loads the JSON node configuration shared by every party
// of a deployment: who the parties are, where they listen, and what TLS
// material to use.
package config

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/oasisprotocol/ed25519"
)

// Party describes one node of the deployment.
type Party struct {
	ID   uint32 `json:"ID"`
	Name string `json:"NAME,omitempty"`
	Host string `json:"HOST"`
	Port int    `json:"PORT"`

	// PubKey optionally pins the party's hex-encoded ed25519 public key.
	// When set, hello packets from this party must carry exactly this key.
	PubKey string `json:"PUBKEY,omitempty"`
}

// Addr returns the party's dialable address.
func (p Party) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// PinnedKey decodes the pinned public key, or returns nil when none is
// configured.
func (p Party) PinnedKey() (ed25519.PublicKey, error) {
	if p.PubKey == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(p.PubKey)
	if err != nil {
		return nil, fmt.Errorf("party %d: decode PUBKEY: %w", p.ID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("party %d: PUBKEY is %d bytes, want %d", p.ID, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// TLSConfig points at PEM files for the mutually-authenticated transport.
type TLSConfig struct {
	Cert string `json:"CERT"`
	Key  string `json:"KEY"`
	CA   string `json:"CA"`
}

// Build loads the PEM material into a ready tls.Config. Both sides verify
// the peer against the shared CA.
func (t *TLSConfig) Build() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(t.Cert, t.Key)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	pem, err := os.ReadFile(t.CA)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca file %s holds no usable certificates", t.CA)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}

// Config is one node's view of the deployment.
type Config struct {
	PartyID uint32  `json:"PARTY_ID"`
	Parties []Party `json:"PARTIES"`

	TLS *TLSConfig `json:"TLS,omitempty"`

	// BufferSize overrides the per-message reassembly buffer capacity.
	BufferSize int `json:"BUFFER_SIZE,omitempty"`

	// TimeoutMS is the default send/recv timeout; zero means no default.
	TimeoutMS int64 `json:"TIMEOUT_MS,omitempty"`
}

// Load reads a configuration from path. When path is not a readable file
// it is treated as a literal JSON document, so deployments may pass either.
func Load(pathOrJSON string) (*Config, error) {
	raw := []byte(pathOrJSON)
	if data, err := os.ReadFile(pathOrJSON); err == nil {
		raw = data
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Parties) < 2 {
		return fmt.Errorf("config lists %d parties, need at least 2", len(c.Parties))
	}
	seen := make(map[uint32]struct{}, len(c.Parties))
	self := false
	for _, p := range c.Parties {
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate party id %d", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Host == "" {
			return fmt.Errorf("party %d has no host", p.ID)
		}
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("party %d has invalid port %d", p.ID, p.Port)
		}
		if _, err := p.PinnedKey(); err != nil {
			return err
		}
		if p.ID == c.PartyID {
			self = true
		}
	}
	if !self {
		return fmt.Errorf("party id %d is not listed in PARTIES", c.PartyID)
	}
	return nil
}

// Party looks a party up by id.
func (c *Config) Party(id uint32) (Party, bool) {
	for _, p := range c.Parties {
		if p.ID == id {
			return p, true
		}
	}
	return Party{}, false
}

// Self returns this node's own entry.
func (c *Config) Self() Party {
	p, _ := c.Party(c.PartyID)
	return p
}

// Peers returns every party except this node.
func (c *Config) Peers() []Party {
	peers := make([]Party, 0, len(c.Parties)-1)
	for _, p := range c.Parties {
		if p.ID != c.PartyID {
			peers = append(peers, p)
		}
	}
	return peers
}

// Timeout converts the configured default timeout; negative means block
// forever, which is also what an unset value yields.
func (c *Config) Timeout() time.Duration {
	if c.TimeoutMS <= 0 {
		return -1
	}
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c *Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "party %d of %d:", c.PartyID, len(c.Parties))
	for _, p := range c.Parties {
		fmt.Fprintf(&sb, " P%d=%s", p.ID, p.Addr())
	}
	if c.TLS != nil {
		sb.WriteString(" (tls)")
	}
	return sb.String()
}
