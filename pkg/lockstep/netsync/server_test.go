package netsync_test

import (
	"context"
	"testing"
	"time"

	"github.com/argus-labs/lockstep/pkg/lockstep"
	"github.com/argus-labs/lockstep/pkg/lockstep/netsync"
	"github.com/argus-labs/lockstep/pkg/testutils"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ms = time.Millisecond

type player struct {
	net       *netsync.Client
	transport *memClient
	tally     *testutils.Tally
	ended     []*netsync.Result
	statuses  []netsync.ConnectionStatus
	started   []bool
	errs      []error
}

type match struct {
	t       *testing.T
	network *memNetwork
	server  *netsync.Server
	clock   *testutils.Clock
	metrics *testutils.Metrics
	players []*player
}

func lockstepConfig() lockstep.Config {
	cfg := lockstep.DefaultConfig()
	cfg.MaxSkippedEmptyTurns = 2
	return cfg
}

func matchConfig() netsync.ServerConfig {
	cfg := netsync.DefaultServerConfig()
	cfg.ClientStartDelay = 300 * ms
	cfg.ClientSimulationDelay = 100 * ms
	cfg.CommandRate = 0
	return cfg
}

func newMatch(t *testing.T, cfg netsync.ServerConfig, opts ...netsync.ServerOption) *match {
	t.Helper()
	m := &match{t: t, network: newMemNetwork(), clock: testutils.NewClock(), metrics: testutils.NewMetrics()}
	opts = append([]netsync.ServerOption{
		netsync.WithServerConfig(cfg),
		netsync.WithClock(m.clock),
		netsync.WithMetrics(m.metrics),
		netsync.WithGameParams(lockstep.GameParams{RandomSeed: 7}),
	}, opts...)
	m.server = netsync.NewServer(m.network, lockstepConfig(), opts...)
	require.NoError(t, m.server.Start(context.Background()))
	return m
}

// join connects a new player and sends its ready message.
func (m *match) join(token string, opts ...lockstep.ClientOption) *player {
	m.t.Helper()
	p := &player{transport: m.network.dial(), tally: &testutils.Tally{}}
	opts = append([]lockstep.ClientOption{lockstep.WithLogic(p.tally.Logic()), lockstep.WithClock(m.clock)}, opts...)
	client := lockstep.NewClient(testutils.NewFactory(), opts...)
	p.net = netsync.NewClient(p.transport, client, netsync.WithToken(token), netsync.WithClientClock(m.clock))
	p.net.OnEnd(func(r *netsync.Result) { p.ended = append(p.ended, r) })
	p.net.OnConnectionStatus(func(s netsync.ConnectionStatus) { p.statuses = append(p.statuses, s) })
	p.net.OnError(func(err error) { p.errs = append(p.errs, err) })
	client.OnStarted(func(recovering bool) { p.started = append(p.started, recovering) })

	require.NoError(m.t, p.net.Connect(context.Background()))
	p.net.SendPlayerReady()
	m.players = append(m.players, p)
	m.tick(0)
	return p
}

// tick delivers every queued message and advances all parties by dt.
func (m *match) tick(dt time.Duration) {
	m.server.Update(dt)
	for _, p := range m.players {
		p.net.Update(dt)
	}
	// Messages produced by the clients in this tick reach the server on the next one, the replies
	// on the one after.
	m.server.Update(0)
	for _, p := range m.players {
		p.net.Update(0)
	}
}

func (m *match) run(d time.Duration) {
	for range int(d / (100 * ms)) {
		m.tick(100 * ms)
	}
}

func TestServer_MatchFlow(t *testing.T) {
	t.Parallel()
	m := newMatch(t, matchConfig())

	alice := m.join("alice")
	assert.False(t, m.server.Running(), "waiting for the second player")
	assert.Equal(t, uint32(7), alice.net.Lockstep().GameParams().RandomSeed)

	bob := m.join("bob")
	require.True(t, m.server.Running())
	assert.Equal(t, []string{"alice", "bob"}, m.server.PlayerIDs())
	assert.Equal(t, int64(1), m.metrics.CountValue(netsync.MetricMatchStart))

	require.True(t, alice.net.Lockstep().Running())
	assert.Equal(t, byte(0), alice.net.Lockstep().PlayerNumber())
	assert.Equal(t, byte(1), bob.net.Lockstep().PlayerNumber())
	assert.Equal(t, -300*ms, alice.net.Lockstep().UpdateTime())
	assert.Equal(t, []string{"alice", "bob"}, bob.net.PlayerIDs())
	assert.Equal(t, []bool{false}, alice.started)

	m.run(300 * ms)
	require.Equal(t, time.Duration(0), alice.net.Lockstep().UpdateTime())

	var finished []error
	d := alice.net.Lockstep().AddPendingCommand(&testutils.Move{Unit: 4, X: 1}, func(_ *lockstep.ClientCommandData, err error) {
		finished = append(finished, err)
	})
	require.NotNil(t, d)
	m.run(300 * ms)

	assert.Equal(t, []error{nil}, finished)
	for _, p := range []*player{alice, bob} {
		require.Len(t, p.tally.Log, 1)
		assert.Equal(t, byte(0), p.tally.Log[0].Player)
		assert.Equal(t, &testutils.Move{Unit: 4, X: 1}, p.tally.Log[0].Cmd)
		assert.True(t, p.net.Lockstep().Connected())
	}

	require.NoError(t, alice.net.SendPlayerFinish(map[string]int{"score": 3}))
	m.tick(0)
	assert.True(t, m.server.Running(), "bob has not finished yet")
	require.NoError(t, bob.net.SendPlayerFinish(map[string]int{"score": 1}))
	m.tick(0)

	assert.False(t, m.server.Running())
	assert.True(t, m.server.MatchEnded())
	assert.Equal(t, int64(1), m.metrics.CountValue(netsync.MetricMatchEnd))
	for _, p := range []*player{alice, bob} {
		require.Len(t, p.ended, 1)
		var results map[string]map[string]int
		require.NoError(t, p.ended[0].Decode(&results))
		assert.Equal(t, map[string]map[string]int{"alice": {"score": 3}, "bob": {"score": 1}}, results)
		assert.False(t, p.net.Lockstep().Running())
		assert.Empty(t, p.errs)
	}

	err := alice.net.SendPlayerFinish(nil)
	require.ErrorIs(t, err, lockstep.ErrNotRunning)
}

func TestServer_LateJoinReceivesHistory(t *testing.T) {
	t.Parallel()
	cfg := matchConfig()
	cfg.AllowMatchStartWithOnePlayerReady = true
	m := newMatch(t, cfg)

	alice := m.join("alice")
	require.True(t, m.server.Running())
	m.run(300 * ms)
	alice.net.Lockstep().AddPendingCommand(&testutils.Chat{Text: "hi"}, nil)
	m.run(500 * ms)
	require.Len(t, alice.tally.Log, 1)

	bob := m.join("bob")
	assert.Equal(t, 2, m.server.ReadyPlayerCount())
	assert.Equal(t, byte(1), bob.net.Lockstep().PlayerNumber())
	assert.Equal(t, []bool{true}, bob.started, "joined a running match")

	m.tick(0)
	assert.Equal(t, alice.tally.Log, bob.tally.Log)
	assert.Equal(t, alice.net.Lockstep().CurrentTurnNumber(), bob.net.Lockstep().CurrentTurnNumber())
}

func TestServer_Reconnect(t *testing.T) {
	t.Parallel()
	m := newMatch(t, matchConfig())
	alice := m.join("alice")
	bob := m.join("bob")
	m.run(500 * ms)

	require.NoError(t, bob.transport.Close())
	m.tick(0)
	assert.Equal(t, 1, m.server.ReadyPlayerCount())
	assert.Equal(t, []netsync.ConnectionStatus{{Player: 1, Connected: false}}, alice.statuses)
	assert.True(t, m.server.Running(), "nobody finished")

	alice.net.Lockstep().AddPendingCommand(&testutils.Move{Unit: 2}, nil)
	m.run(300 * ms)

	require.NoError(t, bob.net.Connect(context.Background()))
	bob.net.SendPlayerReady()
	m.tick(0)
	m.tick(0)
	assert.Equal(t, 2, m.server.ReadyPlayerCount())
	assert.Equal(t, []netsync.ConnectionStatus{{Player: 1, Connected: false}, {Player: 1, Connected: true}},
		alice.statuses)

	m.run(200 * ms)
	assert.Equal(t, alice.tally.Log, bob.tally.Log)
	assert.Equal(t, byte(1), bob.net.Lockstep().PlayerNumber())
}

func TestServer_FullMatchRejectsPlayers(t *testing.T) {
	t.Parallel()
	m := newMatch(t, matchConfig())
	m.join("alice")
	m.join("bob")
	m.join("carol")

	assert.Equal(t, 2, m.server.PlayerCount())
	assert.True(t, m.server.Full())
	_, ok := m.server.PlayerNumber("carol")
	assert.False(t, ok)
	assert.Equal(t, 3, m.server.ConnectionCount())
}

func TestServer_PlayerNumberIsNotTrusted(t *testing.T) {
	t.Parallel()
	m := newMatch(t, matchConfig())
	alice := m.join("alice")
	m.join("bob")
	m.run(300 * ms)

	// Alice claims to be player 1.
	alice.net.Lockstep().SetPlayerNumber(1)
	alice.net.Lockstep().AddPendingCommand(&testutils.Move{}, nil)
	m.run(300 * ms)

	require.Len(t, alice.tally.Log, 1)
	assert.Equal(t, byte(0), alice.tally.Log[0].Player)
}

// -------------------------------------------------------------------------------------------------
// Authentication and rate limiting
// -------------------------------------------------------------------------------------------------

func TestServer_JWTAuthentication(t *testing.T) {
	t.Parallel()
	auth := netsync.NewJWTAuthenticator([]byte("secret"), "lockstep")
	cfg := matchConfig()
	cfg.AllowMatchStartWithOnePlayerReady = true
	m := newMatch(t, cfg, netsync.WithAuthenticator(auth))

	m.join("not-a-token")
	assert.Zero(t, m.server.PlayerCount())

	token, err := auth.Issue("carol", time.Hour)
	require.NoError(t, err)
	carol := m.join(token)
	assert.Equal(t, []string{"carol"}, m.server.PlayerIDs())
	assert.True(t, carol.net.Lockstep().Running())
}

func TestServer_RateLimitsCommands(t *testing.T) {
	t.Parallel()
	cfg := matchConfig()
	cfg.AllowMatchStartWithOnePlayerReady = true
	cfg.CommandRate = 1
	cfg.CommandBurst = 2
	m := newMatch(t, cfg)

	alice := m.join("alice")
	m.run(300 * ms)
	for i := range 5 {
		alice.net.Lockstep().AddPendingCommand(&testutils.Move{Unit: uint32(i)}, nil) //nolint:gosec // small
	}
	m.tick(0)
	assert.Equal(t, int64(3), m.metrics.CountValue(netsync.MetricRateLimited))

	m.run(200 * ms)
	assert.Len(t, alice.tally.Log, 2)
	assert.Equal(t, 3, alice.net.Lockstep().PendingCommands(), "dropped commands stay pending on the client")
}

// -------------------------------------------------------------------------------------------------
// Match end
// -------------------------------------------------------------------------------------------------

func TestServer_MatchEndTimeout(t *testing.T) {
	t.Parallel()
	cfg := matchConfig()
	cfg.MatchEndedWithoutConfirmationTimeout = 5 * time.Second
	m := newMatch(t, cfg, netsync.WithMatchEndCheck(func() bool { return false }))
	alice := m.join("alice")
	m.join("bob")
	m.run(300 * ms)

	require.NoError(t, alice.net.SendPlayerFinish("won"))
	m.tick(0)
	require.True(t, m.server.Running())

	m.clock.Advance(5 * time.Second)
	m.tick(0)
	assert.False(t, m.server.Running())
	require.Len(t, alice.ended, 1)
	assert.JSONEq(t, `{"alice":"won"}`, string(alice.ended[0].Data))
}

func TestServer_MatchEndCheckConfirms(t *testing.T) {
	t.Parallel()
	m := newMatch(t, matchConfig(), netsync.WithMatchEndCheck(func() bool { return true }))
	alice := m.join("alice")
	m.join("bob")
	m.run(300 * ms)

	require.NoError(t, alice.net.SendPlayerFinish("won"))
	m.tick(0)
	assert.False(t, m.server.Running())
}

func TestServer_CorrectedResults(t *testing.T) {
	t.Parallel()
	cfg := matchConfig()
	cfg.AllowMatchStartWithOnePlayerReady = true
	m := newMatch(t, cfg)
	m.server.OnMatchFinished(func(f *netsync.MatchFinished) {
		f.Results[0] = json.RawMessage(`"lost"`)
	})
	alice := m.join("alice")
	m.run(300 * ms)

	require.NoError(t, alice.net.SendPlayerFinish("won"))
	m.tick(0)
	assert.Equal(t, int64(1), m.metrics.CountValue(netsync.MetricMatchCorrected))
	assert.Zero(t, m.metrics.CountValue(netsync.MetricMatchEnd))
	require.Len(t, alice.ended, 1)
	assert.JSONEq(t, `{"alice":"lost"}`, string(alice.ended[0].Data))
}

func TestServer_FinishOnDisconnection(t *testing.T) {
	t.Parallel()
	m := newMatch(t, matchConfig())
	alice := m.join("alice")
	bob := m.join("bob")
	m.run(300 * ms)

	require.NoError(t, alice.net.SendPlayerFinish("won"))
	m.tick(0)
	require.True(t, m.server.Running())

	require.NoError(t, bob.transport.Close())
	m.tick(0)
	assert.False(t, m.server.Running())
	assert.Len(t, alice.ended, 1)
}

func TestServer_ForwardsUnknownMessages(t *testing.T) {
	t.Parallel()
	m := newMatch(t, matchConfig())
	var got []netsync.ClientMessage
	m.server.OnMessage(func(cm netsync.ClientMessage) { got = append(got, cm) })
	alice := m.join("alice")

	require.NoError(t, alice.net.Send(netsync.Message{Type: 42, Body: []byte("ping")}))
	m.tick(0)
	require.Len(t, got, 1)
	assert.Equal(t, netsync.MsgType(42), got[0].Message.Type)
	assert.Equal(t, []byte("ping"), got[0].Message.Body)
}

// -------------------------------------------------------------------------------------------------
// Client
// -------------------------------------------------------------------------------------------------

func TestClient_ProtocolMismatch(t *testing.T) {
	t.Parallel()
	m := newMatch(t, matchConfig())

	cfg := lockstepConfig()
	cfg.ProtocolVersion = 2
	p := m.join("alice", lockstep.WithConfig(cfg))

	require.NotEmpty(t, p.errs)
	require.ErrorIs(t, p.errs[0], netsync.ErrProtocolMismatch)
	assert.Zero(t, m.server.PlayerCount())
}

func TestClient_DefaultTokenIsUnique(t *testing.T) {
	t.Parallel()
	a := netsync.NewClient(newMemNetwork().dial(), lockstep.NewClient(testutils.NewFactory()))
	b := netsync.NewClient(newMemNetwork().dial(), lockstep.NewClient(testutils.NewFactory()))
	assert.NotEmpty(t, a.Token())
	assert.NotEqual(t, a.Token(), b.Token())
	assert.True(t, a.Lockstep().ExternalUpdate())
}

func TestClient_CommandsFailWhileDisconnected(t *testing.T) {
	t.Parallel()
	m := newMatch(t, matchConfig())
	alice := m.join("alice")
	m.join("bob")
	m.run(300 * ms)

	require.NoError(t, alice.transport.Close())
	var got error
	alice.net.Lockstep().AddPendingCommand(&testutils.Move{}, func(_ *lockstep.ClientCommandData, err error) { got = err })
	require.Error(t, got)
	assert.Zero(t, alice.net.Lockstep().PendingCommands())
}
