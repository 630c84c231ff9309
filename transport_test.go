package nsqpool

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "failed to generate private key")
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err, "failed to generate serialNumber")

	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	require.NoError(t, err, "failed to generate CA")
	ca, err := x509.ParseCertificate(certDER)
	require.NoError(t, err, "failed to parse CA")
	return ca
}

// generateLeaf returns an mTLS configuration for cn, signed by ca and
// trusting ca for both directions.
func generateLeaf(t *testing.T, ca *x509.Certificate, caKP *ecdsa.PrivateKey, cn string) *tls.Config {
	t.Helper()
	leafKP := generateKeyPair(t)
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err, "failed to generate serialNumber")

	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	require.NoError(t, err, "failed to generate leaf %s", cn)
	leaf, err := x509.ParseCertificate(certDER)
	require.NoError(t, err, "failed to parse leaf %s", cn)

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	return &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{certDER},
				Leaf:        leaf,
				PrivateKey:  leafKP,
			},
		},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  caPool,
		RootCAs:    caPool,
	}
}

func emitterLog(name string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

type testNode struct {
	server  *Server
	handler *MemoryHandler
	addr    string
}

type testCluster struct {
	nodes     []*testNode
	clientTLS *tls.Config
	sink      *metrics.InmemSink
}

// startCluster runs n servers on consecutive ports starting at basePort.
func startCluster(t *testing.T, basePort, n int) *testCluster {
	t.Helper()
	caKey := generateKeyPair(t)
	ca := generateCa(t, caKey)

	cluster := &testCluster{
		clientTLS: generateLeaf(t, ca, caKey, "publisher"),
		sink:      metrics.NewInmemSink(time.Second, 5*time.Minute),
	}

	for i := range n {
		name := fmt.Sprintf("node%d", i+1)
		handler := NewMemoryHandler(time.Minute, emitterLog(name))
		srv, err := NewServer(&ServerConfig{
			TlsConfig:   generateLeaf(t, ca, caKey, name),
			BindAddr:    "127.0.0.1",
			BindPort:    basePort + i,
			GracePeriod: 100 * time.Millisecond,
			MetricSink:  cluster.sink,
			LogHandler:  emitterLog(name),
		}, handler)
		require.NoError(t, err, "failed to start %s", name)
		t.Cleanup(func() { srv.Shutdown() })
		require.Equal(t, fmt.Sprintf("127.0.0.1:%d", basePort+i), srv.Addr().String())

		cluster.nodes = append(cluster.nodes, &testNode{
			server:  srv,
			handler: handler,
			addr:    fmt.Sprintf("127.0.0.1:%d", basePort+i),
		})
	}
	return cluster
}

func (c *testCluster) dial(t *testing.T, node *testNode, resolver HostnameResolver) (*Peer, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	peer, err := DialPeer(ctx, &PeerConfig{
		Addr:             node.addr,
		TlsConfig:        c.clientTLS,
		HostnameResolver: resolver,
		DialTimeout:      time.Second,
		MetricSink:       c.sink,
		LogHandler:       emitterLog("publisher"),
	})
	if err == nil {
		t.Cleanup(func() { peer.Close() })
	}
	return peer, err
}

func (c *testCluster) pool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	p, err := New(append(opts, WithLog(emitterLog("pool")), WithMetricSink(c.sink))...)
	require.NoError(t, err)
	for _, node := range c.nodes {
		peer, err := c.dial(t, node, nil)
		require.NoError(t, err)
		p.AddConnection(peer)
	}
	return p
}

func publishCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDialPeer_Config(t *testing.T) {
	_, err := DialPeer(context.Background(), &PeerConfig{Addr: "127.0.0.1:6030"})
	require.ErrorIs(t, err, ErrNoTLSConfig)

	_, err = DialPeer(context.Background(), &PeerConfig{Addr: "nowhere", TlsConfig: &tls.Config{}})
	require.ErrorIs(t, err, ErrInvalidAddr)

	_, err = NewServer(&ServerConfig{}, NewMemoryHandler(0, nil))
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestPeer_EndToEnd(t *testing.T) {
	cluster := startCluster(t, 6031, 3)
	p := cluster.pool(t, WithDefaultStrategy(Quorum))

	t.Run("peers are named after their certificate", func(t *testing.T) {
		for i, conn := range p.Connections() {
			require.Equal(t, fmt.Sprintf("node%d@127.0.0.1:%d", i+1, 6031+i), conn.String())
		}
	})

	t.Run("quorum publish", func(t *testing.T) {
		require.NoError(t, p.Publish(publishCtx(t), "orders", Bytes("hello")))
		for _, node := range cluster.nodes {
			require.Equal(t, 1, node.handler.Count("orders"))
		}
	})

	t.Run("deferred publish", func(t *testing.T) {
		require.NoError(t, p.PublishDeferred(publishCtx(t), "reminders", Bytes("later"), 5*time.Second))
		for _, node := range cluster.nodes {
			require.Equal(t, 1, node.handler.Deferred("reminders"))
		}
	})

	t.Run("multi publish", func(t *testing.T) {
		msgs := []Message{Bytes("a"), Bytes("b"), Bytes("c")}
		require.NoError(t, p.MultiPublish(publishCtx(t), "batch", msgs, WithStrategy(All)))
		for _, node := range cluster.nodes {
			require.Equal(t, 3, node.handler.Count("batch"))
		}
	})

	t.Run("rejected by every peer", func(t *testing.T) {
		err := p.Publish(publishCtx(t), "not a topic", Bytes("hello"))
		requireInsufficient(t, err, 3, 0)
		require.Equal(t,
			"Required at least 3 nodes to be successful, but only 0 were, details:\n"+
				"\tnode1@127.0.0.1:6031 -> E_BAD_TOPIC\n"+
				"\tnode2@127.0.0.1:6032 -> E_BAD_TOPIC\n"+
				"\tnode3@127.0.0.1:6033 -> E_BAD_TOPIC",
			err.Error(),
		)
	})

	t.Run("parallel fan-out", func(t *testing.T) {
		parallel, err := New(
			WithConnections(p.Connections()...),
			WithParallelFanOut(2),
			WithDefaultStrategy(All),
			WithMetricSink(cluster.sink),
		)
		require.NoError(t, err)
		require.NoError(t, parallel.Publish(publishCtx(t), "parallel", Bytes("hello")))
		for _, node := range cluster.nodes {
			require.Equal(t, 1, node.handler.Count("parallel"))
		}
	})

	t.Run("one peer down", func(t *testing.T) {
		require.NoError(t, cluster.nodes[2].server.Shutdown())

		err := p.Publish(publishCtx(t), "degraded", Bytes("hello"))
		ackErr := requireInsufficient(t, err, 3, 2)
		require.Equal(t, AttemptFailed, ackErr.Attempts[2].Kind)

		require.NoError(t, p.Publish(publishCtx(t), "degraded", Bytes("hello"), WithStrategy(AtLeastOne)))
		require.Equal(t, 2, cluster.nodes[0].handler.Count("degraded"))
	})
}

func TestPeer_HostnameResolution(t *testing.T) {
	cluster := startCluster(t, 6041, 1)

	refuse := func(certs []*x509.Certificate) (Hostname, error, string) {
		return "", fmt.Errorf("unknown peer %s", certs[0].Subject.CommonName), "you are not welcome"
	}
	_, err := cluster.dial(t, cluster.nodes[0], refuse)
	require.ErrorIs(t, err, ErrHostnameResolve)

	peer, err := cluster.dial(t, cluster.nodes[0], nil)
	require.NoError(t, err)
	require.Equal(t, Hostname("node1"), peer.Hostname())

	require.NoError(t, peer.Close())
	_, err = peer.Publish(publishCtx(t), "orders", Bytes("hello"))
	require.ErrorIs(t, err, ErrShutdown)
}
