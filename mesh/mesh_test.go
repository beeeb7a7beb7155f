package mesh

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/oasisprotocol/ed25519"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/parley-io/parley/config"
	"github.com/parley-io/parley/netio"
)

// startParties builds one mesh per id, every one listening on a loopback
// port and knowing every other party's address and pinned key.
func startParties(t *testing.T, ids []uint32, opts ...MeshOption) map[uint32]*Mesh {
	t.Helper()

	lns := make(map[uint32]net.Listener, len(ids))
	privs := make(map[uint32]ed25519.PrivateKey, len(ids))
	infos := make([]PartyInfo, 0, len(ids))
	for _, id := range ids {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		lns[id] = ln
		privs[id] = GenerateSecretKey()
		infos = append(infos, PartyInfo{
			ID:     id,
			Addr:   ln.Addr().String(),
			Pinned: privs[id].Public().(ed25519.PublicKey),
		})
	}

	parties := make(map[uint32]*Mesh, len(ids))
	for _, id := range ids {
		m := New(id, infos, privs[id], opts...)
		m.Serve(lns[id])
		parties[id] = m
	}

	t.Cleanup(func() {
		for _, m := range parties {
			m.Close()
		}
	})
	return parties
}

func TestMeshTwoPartyExchange(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	parties := startParties(t, []uint32{1, 2})
	p1, p2 := parties[1], parties[2]

	// party 2 dials down to party 1
	require.NoError(t, p2.SendTo(1, 0, 1, []byte("from two"), 5*time.Second))

	buf := make([]byte, 8)
	n, err := p1.RecvFrom(2, 0, 1, buf, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "from two", string(buf[:n]))

	// the reverse direction reuses the same channel
	require.NoError(t, p1.SendTo(2, 0, 2, []byte("from one"), 5*time.Second))

	n, err = p2.RecvFrom(1, 0, 2, buf, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "from one", string(buf[:n]))

	c1, ok := p1.Conn(2)
	require.True(t, ok)
	require.True(t, c1.IsServer())
	c2, ok := p2.Conn(1)
	require.True(t, ok)
	require.False(t, c2.IsServer())
}

func TestMeshThreePartyBroadcast(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	ids := []uint32{1, 2, 3}
	parties := startParties(t, ids)

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, parties[id].Broadcast(1, uint64(id), []byte{byte(id)}, 10*time.Second))
		}()
	}
	wg.Wait()

	for _, id := range ids {
		for _, from := range ids {
			if from == id {
				continue
			}
			buf := make([]byte, 1)
			_, err := parties[id].RecvFrom(from, 1, uint64(from), buf, 5*time.Second)
			require.NoError(t, err)
			require.Equal(t, byte(from), buf[0])
		}
	}
}

func TestMeshConcurrentFirstContact(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	parties := startParties(t, []uint32{1, 2})
	p1, p2 := parties[1], parties[2]

	// several goroutines race to establish the very first channel to party 1;
	// only one dial may win and every send must ride the winner
	var wg sync.WaitGroup
	for tag := uint64(0); tag < 4; tag++ {
		tag := tag
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, p2.SendTo(1, 0, tag, []byte{byte(tag)}, 5*time.Second))
		}()
	}
	wg.Wait()

	for tag := uint64(0); tag < 4; tag++ {
		buf := make([]byte, 1)
		_, err := p1.RecvFrom(2, 0, tag, buf, 5*time.Second)
		require.NoError(t, err)
		require.Equal(t, byte(tag), buf[0])
	}
}

func TestMeshRegisterKeepsLiveConn(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := New(1, nil, GenerateSecretKey())
	defer m.Close()

	a1, b1 := net.Pipe()
	defer b1.Close()
	a2, b2 := net.Pipe()
	defer b2.Close()

	first := netio.NewConn(netio.NewTCPSocket(a1), false)
	second := netio.NewConn(netio.NewTCPSocket(a2), false)

	require.Same(t, first, m.register(2, nil, first))

	// a racing setup loses: the live channel stays, the newcomer is closed
	require.Same(t, first, m.register(2, nil, second))
	require.Equal(t, netio.StateClosed, second.State())

	got, ok := m.Conn(2)
	require.True(t, ok)
	require.Same(t, first, got)
}

func TestMeshRejectsUnknownParty(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := New(1, []PartyInfo{{ID: 2, Addr: "127.0.0.1:1"}}, GenerateSecretKey())
	defer m.Close()

	a, b := net.Pipe()
	m.wg.Add(1)
	go m.setupInbound(b)

	priv := GenerateSecretKey()
	c := netio.NewConn(netio.NewTCPSocket(a), false)
	require.NoError(t, c.Handshake(time.Second))
	require.True(t, c.Establish())

	// party 9 is not in the peer table, so pinning could never apply to it
	pkt := HelloPacket{PartyID: 9, PubKey: priv.Public().(ed25519.PublicKey)}.Sign(priv)
	_, err := c.SendMsg(helloID, pkt.AppendTo(nil), time.Second)
	require.NoError(t, err)

	// the mesh hangs up instead of answering with its own hello
	_, err = c.RecvMsg(helloID, make([]byte, HelloSize), 2*time.Second)
	require.ErrorIs(t, err, netio.ErrClosed)

	_, ok := m.Conn(9)
	require.False(t, ok)
	require.NoError(t, c.Close())
}

func TestMeshRecvTimeout(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	parties := startParties(t, []uint32{1, 2})

	// nothing was sent under this tag
	_, err := parties[1].RecvFrom(2, 9, 9, make([]byte, 1), 200*time.Millisecond)
	require.Error(t, err)
}

func TestMeshCloseIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	parties := startParties(t, []uint32{1, 2})
	require.NoError(t, parties[2].SendTo(1, 0, 0, []byte("x"), 5*time.Second))

	parties[1].Close()
	parties[1].Close()
	parties[2].Close()
}

func TestMeshFromConfig(t *testing.T) {
	defer goleak.VerifyNone(t)

	privs := map[uint32]ed25519.PrivateKey{1: GenerateSecretKey(), 2: GenerateSecretKey()}

	// party 1 serves on a known port; party 2, the higher id, only dials
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	cfgJSON := func(self uint32) string {
		return `{
		  "PARTY_ID": ` + itoa(self) + `,
		  "PARTIES": [
		    {"ID": 1, "HOST": "127.0.0.1", "PORT": ` + portStr + `, "PUBKEY": "` + hexKey(privs[1]) + `"},
		    {"ID": 2, "HOST": "127.0.0.1", "PORT": 1, "PUBKEY": "` + hexKey(privs[2]) + `"}
		  ],
		  "BUFFER_SIZE": 4096
		}`
	}

	cfg1, err := config.Load(cfgJSON(1))
	require.NoError(t, err)
	p1, err := FromConfig(cfg1, privs[1])
	require.NoError(t, err)
	p1.Serve(ln)
	defer p1.Close()
	require.Equal(t, ln.Addr(), p1.Addr())

	cfg2, err := config.Load(cfgJSON(2))
	require.NoError(t, err)
	p2, err := FromConfig(cfg2, privs[2])
	require.NoError(t, err)
	defer p2.Close()
	require.Nil(t, p2.Addr())

	require.NoError(t, p2.SendTo(1, 0, 3, []byte("hi"), 5*time.Second))

	buf := make([]byte, 2)
	n, err := p1.RecvFrom(2, 0, 3, buf, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))
}

func itoa(v uint32) string { return strconv.FormatUint(uint64(v), 10) }

func hexKey(priv ed25519.PrivateKey) string {
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey))
}

func meshTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(leaf)

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ServerName:   "127.0.0.1",
	}
}

func TestMeshOverTLS(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	parties := startParties(t, []uint32{1, 2}, WithTLS(meshTLSConfig(t)))

	require.NoError(t, parties[2].SendTo(1, 0, 7, []byte("sealed"), 10*time.Second))

	buf := make([]byte, 6)
	n, err := parties[1].RecvFrom(2, 0, 7, buf, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, "sealed", string(buf[:n]))
}
