package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[self]
name = "a"
ip4 = "10.0.0.1"

[[peers]]
name = "b"
ip4 = "10.0.0.2"
port = 2101

[[peers]]
name = "c"
ip4 = "10.0.0.3"
nat_ip4 = "203.0.113.5"
port = 2101

[timeouts]
peer_timeout_s = 2.5
locking_timeout_s = 5

[tls]
cert_file = "cert.pem"
key_file = "key.pem"
ca_file = "ca.pem"

[server]
bind_addr = "0.0.0.0:2101"
limit_bytes = 1048576
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "clusterd.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesFullDocument(t *testing.T) {
	path := writeTemp(t, sampleTOML)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "a", cfg.Self.Name)
	require.Len(t, cfg.Peers, 2)
	require.Equal(t, "b", cfg.Peers[0].Name)
	require.Equal(t, "203.0.113.5", cfg.Peers[1].NatIP4)
	require.Equal(t, 2*time.Second+500*time.Millisecond, cfg.Timeouts.PeerTimeout())
	require.Equal(t, 5*time.Second, cfg.Timeouts.LockingTimeout())
	require.Equal(t, uint32(1048576), cfg.Server.Limit())
	require.Equal(t, "0.0.0.0:2101", cfg.Server.BindAddr)
}

func TestTimeoutsDefaultWhenUnset(t *testing.T) {
	var tc TimeoutsConfig
	require.Equal(t, 1250*time.Millisecond, tc.PeerTimeout())
	require.Equal(t, 10*time.Second, tc.LockingTimeout())
}

func TestServerLimitDefaultsWhenUnset(t *testing.T) {
	var sc ServerConfig
	require.Equal(t, uint32(100<<20), sc.Limit())
}

func TestValidateRejectsMissingSelfName(t *testing.T) {
	cfg := &Config{Self: SelfConfig{IP4: "10.0.0.1"}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsSelfWithNoAddress(t *testing.T) {
	cfg := &Config{Self: SelfConfig{Name: "a"}}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicatePeerNames(t *testing.T) {
	cfg := &Config{
		Self: SelfConfig{Name: "a", IP4: "10.0.0.1"},
		Peers: []PeerConfig{
			{Name: "b", IP4: "10.0.0.2", Port: 1},
			{Name: "b", IP4: "10.0.0.3", Port: 2},
		},
	}
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsPeerMissingPort(t *testing.T) {
	cfg := &Config{
		Self:  SelfConfig{Name: "a", IP4: "10.0.0.1"},
		Peers: []PeerConfig{{Name: "b", IP4: "10.0.0.2"}},
	}
	require.Error(t, cfg.Validate())
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
