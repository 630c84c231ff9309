package nsqpool

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockDialer struct {
	m mock.Mock
}

func (d *MockDialer) Dial(ctx context.Context, name, addr string) (Connection, error) {
	args := d.m.Called(ctx, name, addr)
	conn, _ := args.Get(0).(Connection)
	return conn, args.Error(1)
}

func newTestMembership(t *testing.T, cfg *MembershipConfig) (*Membership, *Pool, *MockDialer) {
	t.Helper()
	pool, _ := newTestPool(t, nil)
	dialer := &MockDialer{}
	cfg.LogHandler = testLog()
	m, err := NewMembership(cfg, pool, dialer.Dial)
	require.NoError(t, err)
	t.Cleanup(func() { m.Shutdown() })
	return m, pool, dialer
}

func TestMembership_Config(t *testing.T) {
	pool, _ := newTestPool(t, nil)
	dialer := &MockDialer{}

	_, err := NewMembership(&MembershipConfig{}, nil, dialer.Dial)
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewMembership(&MembershipConfig{}, pool, nil)
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewMembership(&MembershipConfig{
		PublishAddr: strings.Repeat("a", memberlist.MetaMaxSize+1),
	}, pool, dialer.Dial)
	require.ErrorIs(t, err, ErrMetaTooLong)

	advertiser, err := NewMembership(&MembershipConfig{PublishAddr: "127.0.0.1:6031"}, nil, nil)
	require.NoError(t, err)
	advertiser.NotifyJoin(&memberlist.Node{Name: "node1", Meta: []byte("127.0.0.1:6032")})
	require.Empty(t, advertiser.known)
	require.NoError(t, advertiser.Shutdown())
}

func TestMembership_Events(t *testing.T) {
	m, pool, dialer := newTestMembership(t, &MembershipConfig{Name: "local"})
	node1 := newMockConn("node1@127.0.0.1:6031")
	dialer.m.On("Dial", mock.Anything, "node1", "127.0.0.1:6031").Return(node1, nil)

	joined := &memberlist.Node{Name: "node1", Meta: []byte("127.0.0.1:6031")}
	m.NotifyJoin(joined)
	require.Eventually(t, func() bool { return pool.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	t.Run("a member is dialled once", func(t *testing.T) {
		m.NotifyUpdate(joined)
		m.NotifyJoin(joined)
		require.Never(t, func() bool { return pool.Len() != 1 }, 200*time.Millisecond, 10*time.Millisecond)
		dialer.m.AssertNumberOfCalls(t, "Dial", 1)
	})

	t.Run("leaving keeps the connection", func(t *testing.T) {
		m.NotifyLeave(joined)
		require.Equal(t, []Connection{node1}, pool.Connections())
	})

	t.Run("local and publish-less members are ignored", func(t *testing.T) {
		m.NotifyJoin(&memberlist.Node{Name: "local", Meta: []byte("127.0.0.1:6030")})
		m.NotifyJoin(&memberlist.Node{Name: "observer"})
		require.Never(t, func() bool { return pool.Len() != 1 }, 200*time.Millisecond, 10*time.Millisecond)
		dialer.m.AssertNumberOfCalls(t, "Dial", 1)
	})
}

func TestMembership_DialFailureIsRetried(t *testing.T) {
	m, pool, dialer := newTestMembership(t, &MembershipConfig{Name: "local"})
	node2 := newMockConn("node2@127.0.0.1:6032")
	dialer.m.On("Dial", mock.Anything, "node2", "127.0.0.1:6032").Return(nil, ErrDial).Once()
	dialer.m.On("Dial", mock.Anything, "node2", "127.0.0.1:6032").Return(node2, nil).Once()

	node := &memberlist.Node{Name: "node2", Meta: []byte("127.0.0.1:6032")}
	m.NotifyJoin(node)
	require.Eventually(t, func() bool {
		m.lk.Lock()
		defer m.lk.Unlock()
		_, known := m.known["node2"]
		return !known
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, pool.Len())

	m.NotifyUpdate(node)
	require.Eventually(t, func() bool { return pool.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	dialer.m.AssertExpectations(t)
}

func TestMetaDelegate(t *testing.T) {
	d := &metaDelegate{meta: []byte("127.0.0.1:6031"), logger: slog.New(testLog())}
	require.Equal(t, []byte("127.0.0.1:6031"), d.NodeMeta(memberlist.MetaMaxSize))
	require.Nil(t, d.NodeMeta(4))
	require.Nil(t, d.GetBroadcasts(0, 1024))
	require.Nil(t, d.LocalState(true))
}

func TestMembership_Gossip(t *testing.T) {
	server, _, serverDialer := newTestMembership(t, &MembershipConfig{
		Name:        "server",
		BindAddr:    "127.0.0.1",
		BindPort:    7951,
		PublishAddr: "127.0.0.1:6051",
	})
	require.NoError(t, server.Join())

	client, pool, dialer := newTestMembership(t, &MembershipConfig{
		Name:       "client",
		BindAddr:   "127.0.0.1",
		BindPort:   7952,
		Neighbours: []string{"127.0.0.1:7951"},
	})
	conn := newMockConn("server@127.0.0.1:6051")
	dialer.m.On("Dial", mock.Anything, "server", "127.0.0.1:6051").Return(conn, nil)

	require.NoError(t, client.Join())
	require.Eventually(t, func() bool { return pool.Len() == 1 }, 5*time.Second, 50*time.Millisecond)
	require.ElementsMatch(t, []string{"server", "client"}, client.Members())

	// The client advertises no publish address, the server never dials it.
	serverDialer.m.AssertNotCalled(t, "Dial", mock.Anything, mock.Anything, mock.Anything)
}
