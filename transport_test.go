package courier

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/courier/pkg/codec"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		IsCA: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

// generateTLSConfigs returns mTLS configs for two nodes sharing a CA.
func generateTLSConfigs(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	caKey := generateKeyPair(t)
	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err, "failed to parse CA")

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	configs := make([]*tls.Config, 0, 2)
	for _, cn := range []string{"node1", "node2"} {
		key := generateKeyPair(t)
		der := generateLeaf(t, ca, caKey, key, cn)
		leaf, err := x509.ParseCertificate(der)
		require.NoError(t, err, "failed to parse %s", cn)

		configs = append(configs, &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{der},
					Leaf:        leaf,
					PrivateKey:  key,
				},
			},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caPool,
			RootCAs:    caPool,
		})
	}
	return configs[0], configs[1]
}

func TestQUICTransport(t *testing.T) {
	tcN1, tcN2 := generateTLSConfigs(t)

	_, err := NewQUICTransport(&TransportConfig{})
	require.ErrorIs(t, err, ErrNoTLSConfig)

	node1Metrics := metrics.NewInmemSink(time.Second, 5*time.Minute)
	node2Metrics := metrics.NewInmemSink(time.Second, 5*time.Minute)

	ts1, err := NewQUICTransport(&TransportConfig{
		TlsConfig:  tcN1,
		MetricSink: node1Metrics,
		LogHandler: testLogHandler("node1"),
	})
	require.NoError(t, err)

	ts2, err := NewQUICTransport(&TransportConfig{
		TlsConfig:  tcN2,
		MetricSink: node2Metrics,
		LogHandler: testLogHandler("node2"),
	})
	require.NoError(t, err)

	ln, err := ts1.Listen("127.0.0.1:6021")
	require.NoError(t, err)
	defer ln.Close()

	t.Run("open stream from n2 to n1", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ts := time.Now()
		conn, err := ts2.Dial(ctx, "127.0.0.1:6021")
		require.NoError(t, err)
		t.Logf("dialing took %s", time.Since(ts).String())
		defer conn.Close()

		// a QUIC stream is only announced to the peer once written to
		_, err = conn.Write([]byte("a"))
		require.NoError(t, err)

		accepted := make(chan net.Conn, 1)
		go func() {
			stream, err := ln.Accept()
			if err == nil {
				accepted <- stream
			}
		}()

		select {
		case stream := <-accepted:
			conn.Write([]byte("b"))
			conn.Write([]byte("c"))

			var n int
			buf := make([]byte, 1500)
			require.Eventually(t, func() bool {
				m, err := readStreamSkipEmpty(t, ctx, stream, buf[n:])
				n = m + n
				current := string(buf[:n])
				t.Logf("currently the buffer contains: %s", current)
				return err == nil && current == "abc"
			}, 2*time.Second, 100*time.Millisecond)

			_, err = stream.Write([]byte("pong"))
			require.NoError(t, err)
			reply := make([]byte, 4)
			_, err = io.ReadFull(conn, reply)
			require.NoError(t, err)
			require.Equal(t, "pong", string(reply))
		case <-ctx.Done():
			t.Fatalf("timed out")
		}
	})

	t.Run("accept fails once the listener is closed", func(t *testing.T) {
		require.NoError(t, ln.Close())
		_, err := ln.Accept()
		require.ErrorIs(t, err, net.ErrClosed)
	})
}

func TestQUICTransport_EndToEnd(t *testing.T) {
	tcN1, tcN2 := generateTLSConfigs(t)

	serverTr, err := NewQUICTransport(&TransportConfig{TlsConfig: tcN1, LogHandler: testLogHandler("server")})
	require.NoError(t, err)
	clientTr, err := NewQUICTransport(&TransportConfig{TlsConfig: tcN2, LogHandler: testLogHandler("client")})
	require.NoError(t, err)

	srv, err := NewServer(echoServices(),
		WithListenOn("127.0.0.1:6023"),
		WithServerTransport(serverTr),
		WithServerLog(testLogHandler("server")),
	)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	client, err := NewClient(
		WithTransport(clientTr),
		WithLog(testLogHandler("client")),
		WithMetricSink(&metrics.BlackholeSink{}),
	)
	require.NoError(t, err)
	require.NoError(t, client.AddServer(ServerInfo{ID: "echo-1", ServerType: "echo", Host: "127.0.0.1", Port: 6023}))
	require.NoError(t, client.Start())
	defer client.Stop(true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.Proxy("user", "echo", "service").Method("echo").ToServer(ctx, "echo-1", "hi", 42)
	require.NoError(t, err)
	require.Equal(t, []any{"hi", float64(43)}, resp)

	_, err = client.Invoke(ctx, "echo-1", codec.Message{Namespace: "user", ServerType: "echo", Service: "nope", Method: "echo"})
	var remote *codec.RemoteError
	require.ErrorAs(t, err, &remote)
	require.Contains(t, remote.Message, "no such service")
}

func readStreamSkipEmpty(t *testing.T, ctx context.Context, stream net.Conn, buf []byte) (int, error) {
	var n int
	var err error
	dl, ok := ctx.Deadline()
	if ok {
		stream.SetReadDeadline(dl)
	}

	for {
		n, err = stream.Read(buf)
		if err != nil {
			return 0, err
		}

		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		if n > 0 {
			return n, nil
		} else {
			t.Log("received an empty frame from the stream")
		}
	}
}
