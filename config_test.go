package nsqpool

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
strategy: quorum
parallel: true
max_in_flight: 4
dial_timeout: 2s
peers:
  - 127.0.0.1:6031
  - 127.0.0.1:6032
labels:
  region: eu-west
  cluster: main
tls:
  ca: ca.pem
  cert: cert.pem
  key: key.pem
server:
  bind_port: 6031
  grace_period: 500ms
  max_defer: 10m
membership:
  name: node1
  bind_port: 7946
  publish_addr: 10.0.0.1:6031
  neighbours: [10.0.0.2:7946]
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(fullConfig))
	require.NoError(t, err)

	require.Equal(t, Quorum, cfg.Strategy)
	require.Equal(t, 2*time.Second, cfg.DialTimeout)
	require.Equal(t, []string{"127.0.0.1:6031", "127.0.0.1:6032"}, cfg.Peers)
	require.Equal(t, 500*time.Millisecond, cfg.Server.GracePeriod)
	require.Equal(t, 10*time.Minute, cfg.Server.MaxDefer)
	require.Equal(t, []metrics.Label{
		{Name: "cluster", Value: "main"},
		{Name: "region", Value: "eu-west"},
	}, cfg.MetricLabels())

	mcfg := cfg.MembershipConfig()
	require.NotNil(t, mcfg)
	require.Equal(t, "10.0.0.1:6031", mcfg.PublishAddr)
	require.Equal(t, []string{"10.0.0.2:7946"}, mcfg.Neighbours)

	p, err := New(cfg.Options()...)
	require.NoError(t, err)
	require.Equal(t, Quorum, p.Strategy())
	require.True(t, p.config.parallel)
	require.Equal(t, 4, p.config.maxInFlight)
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig(nil)
	require.NoError(t, err)
	require.Equal(t, AtLeastOne, cfg.Strategy)
	require.Nil(t, cfg.MembershipConfig())

	_, err = cfg.LoadTLS()
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestParseConfig_Invalid(t *testing.T) {
	_, err := ParseConfig([]byte("strategy: majority\n"))
	require.ErrorIs(t, err, ErrInvalidStrategy)

	_, err = ParseConfig([]byte("stratgy: quorum\n"))
	require.Error(t, err)

	_, err = ParseConfig([]byte("max_in_flight: -1\n"))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600))
}

func TestLoadConfig_TLS(t *testing.T) {
	dir := t.TempDir()
	caKey := generateKeyPair(t)
	ca := generateCa(t, caKey)
	leaf := generateLeaf(t, ca, caKey, "node1")

	keyDER, err := x509.MarshalECPrivateKey(leaf.Certificates[0].PrivateKey.(*ecdsa.PrivateKey))
	require.NoError(t, err)
	writePEM(t, filepath.Join(dir, "ca.pem"), "CERTIFICATE", ca.Raw)
	writePEM(t, filepath.Join(dir, "cert.pem"), "CERTIFICATE", leaf.Certificates[0].Certificate[0])
	writePEM(t, filepath.Join(dir, "key.pem"), "EC PRIVATE KEY", keyDER)

	path := filepath.Join(dir, "nsqpool.yaml")
	doc := "strategy: all\ntls:\n" +
		"  ca: " + filepath.Join(dir, "ca.pem") + "\n" +
		"  cert: " + filepath.Join(dir, "cert.pem") + "\n" +
		"  key: " + filepath.Join(dir, "key.pem") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	t.Setenv(envConfig, path)
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, All, cfg.Strategy)

	tc, err := cfg.LoadTLS()
	require.NoError(t, err)
	require.Len(t, tc.Certificates, 1)
	require.NotNil(t, tc.RootCAs)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
