package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oasisprotocol/ed25519"
	"github.com/stretchr/testify/require"
)

const sampleJSON = `{
  "PARTY_ID": 0,
  "PARTIES": [
    {"ID": 0, "NAME": "alice", "HOST": "127.0.0.1", "PORT": 32001},
    {"ID": 1, "NAME": "bob", "HOST": "127.0.0.1", "PORT": 32002},
    {"ID": 2, "NAME": "carol", "HOST": "10.0.0.3", "PORT": 32003}
  ],
  "BUFFER_SIZE": 65536,
  "TIMEOUT_MS": 3000
}`

func TestLoadLiteralJSON(t *testing.T) {
	cfg, err := Load(sampleJSON)
	require.NoError(t, err)

	require.EqualValues(t, 0, cfg.PartyID)
	require.Len(t, cfg.Parties, 3)
	require.Equal(t, 65536, cfg.BufferSize)
	require.Equal(t, 3*time.Second, cfg.Timeout())

	require.Equal(t, "alice", cfg.Self().Name)
	require.Equal(t, "127.0.0.1:32001", cfg.Self().Addr())

	peers := cfg.Peers()
	require.Len(t, peers, 2)
	require.EqualValues(t, 1, peers[0].ID)
	require.EqualValues(t, 2, peers[1].ID)

	p, ok := cfg.Party(2)
	require.True(t, ok)
	require.Equal(t, "10.0.0.3:32003", p.Addr())
	_, ok = cfg.Party(9)
	require.False(t, ok)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parties.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleJSON), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Parties, 3)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(`{
	  "PARTY_ID": 1,
	  "PARTIES": [
	    {"ID": 0, "HOST": "a", "PORT": 1},
	    {"ID": 1, "HOST": "b", "PORT": 2}
	  ]
	}`)
	require.NoError(t, err)
	require.Equal(t, time.Duration(-1), cfg.Timeout())
	require.Zero(t, cfg.BufferSize)
	require.Nil(t, cfg.TLS)
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"not json", `party 0 at 127.0.0.1`},
		{"unknown field", `{"PARTY_ID": 0, "PARTIES": [], "COLOR": "red"}`},
		{"too few parties", `{"PARTY_ID": 0, "PARTIES": [{"ID": 0, "HOST": "a", "PORT": 1}]}`},
		{"duplicate id", `{"PARTY_ID": 0, "PARTIES": [
			{"ID": 0, "HOST": "a", "PORT": 1}, {"ID": 0, "HOST": "b", "PORT": 2}]}`},
		{"missing host", `{"PARTY_ID": 0, "PARTIES": [
			{"ID": 0, "HOST": "", "PORT": 1}, {"ID": 1, "HOST": "b", "PORT": 2}]}`},
		{"bad port", `{"PARTY_ID": 0, "PARTIES": [
			{"ID": 0, "HOST": "a", "PORT": 70000}, {"ID": 1, "HOST": "b", "PORT": 2}]}`},
		{"self missing", `{"PARTY_ID": 5, "PARTIES": [
			{"ID": 0, "HOST": "a", "PORT": 1}, {"ID": 1, "HOST": "b", "PORT": 2}]}`},
		{"bad pubkey hex", `{"PARTY_ID": 0, "PARTIES": [
			{"ID": 0, "HOST": "a", "PORT": 1, "PUBKEY": "zz"}, {"ID": 1, "HOST": "b", "PORT": 2}]}`},
		{"short pubkey", `{"PARTY_ID": 0, "PARTIES": [
			{"ID": 0, "HOST": "a", "PORT": 1, "PUBKEY": "abcd"}, {"ID": 1, "HOST": "b", "PORT": 2}]}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(tc.json)
			require.Error(t, err)
		})
	}
}

func TestPartyPinnedKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	p := Party{ID: 1, Host: "a", Port: 1, PubKey: hex.EncodeToString(pub)}
	pinned, err := p.PinnedKey()
	require.NoError(t, err)
	require.Equal(t, pub, pinned)

	none, err := Party{}.PinnedKey()
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestTLSConfigBuildMissingFiles(t *testing.T) {
	dir := t.TempDir()
	tc := &TLSConfig{
		Cert: filepath.Join(dir, "missing.crt"),
		Key:  filepath.Join(dir, "missing.key"),
		CA:   filepath.Join(dir, "missing-ca.crt"),
	}
	_, err := tc.Build()
	require.Error(t, err)
	require.Contains(t, err.Error(), "load key pair")
}

func TestConfigString(t *testing.T) {
	cfg, err := Load(sampleJSON)
	require.NoError(t, err)
	require.Contains(t, cfg.String(), "party 0 of 3")
	require.Contains(t, cfg.String(), "P1=127.0.0.1:32002")
}
