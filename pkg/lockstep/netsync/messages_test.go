package netsync_test

import (
	"testing"
	"time"

	"github.com/argus-labs/lockstep/pkg/lockstep"
	"github.com/argus-labs/lockstep/pkg/lockstep/command"
	"github.com/argus-labs/lockstep/pkg/lockstep/netsync"
	"github.com/argus-labs/lockstep/pkg/lockstep/wire"
	"github.com/argus-labs/lockstep/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload interface {
	Serialize(w wire.Writer) error
	Deserialize(r wire.Reader) error
}

// roundTrip frames body, parses the frame back and decodes it into out.
func roundTrip(t *testing.T, typ netsync.MsgType, body, out payload) {
	t.Helper()
	msg, err := netsync.NewMessage(typ, body)
	require.NoError(t, err)
	parsed, err := netsync.ParseFrame(msg.Frame())
	require.NoError(t, err)
	assert.Equal(t, typ, parsed.Type)
	require.NoError(t, out.Deserialize(wire.NewBytesReader(parsed.Body)))
}

func TestMessages_Payloads(t *testing.T) {
	t.Parallel()

	t.Run("client setup", func(t *testing.T) {
		t.Parallel()
		in := &netsync.ClientSetup{Config: lockstep.DefaultConfig(), GameParams: lockstep.GameParams{RandomSeed: 99}}
		out := &netsync.ClientSetup{}
		roundTrip(t, netsync.MsgClientSetup, in, out)
		assert.Equal(t, in, out)
	})

	t.Run("player ready", func(t *testing.T) {
		t.Parallel()
		in := &netsync.PlayerReady{Token: "token", CurrentTurn: 12, Version: "1.2.0"}
		out := &netsync.PlayerReady{}
		roundTrip(t, netsync.MsgPlayerReady, in, out)
		assert.Equal(t, in, out)
	})

	t.Run("client start", func(t *testing.T) {
		t.Parallel()
		in := &netsync.ClientStart{
			ServerTimestamp: time.UnixMilli(1_700_000_000_123),
			StartTime:       -2500 * time.Millisecond,
			PlayerNumber:    3,
			PlayerIDs:       []string{"a", "b", "c", "d"},
		}
		out := &netsync.ClientStart{}
		roundTrip(t, netsync.MsgClientStart, in, out)
		assert.True(t, in.ServerTimestamp.Equal(out.ServerTimestamp))
		assert.Equal(t, in.StartTime, out.StartTime)
		assert.Equal(t, in.PlayerNumber, out.PlayerNumber)
		assert.Equal(t, in.PlayerIDs, out.PlayerIDs)
	})

	t.Run("empty turns", func(t *testing.T) {
		t.Parallel()
		in := &netsync.EmptyTurns{From: 40, Count: 10}
		out := &netsync.EmptyTurns{}
		roundTrip(t, netsync.MsgEmptyTurns, in, out)
		assert.Equal(t, in, out)
	})

	t.Run("connection status", func(t *testing.T) {
		t.Parallel()
		in := &netsync.ConnectionStatus{Player: 2, Connected: true}
		out := &netsync.ConnectionStatus{}
		roundTrip(t, netsync.MsgClientConnectionStatus, in, out)
		assert.Equal(t, in, out)
	})

	t.Run("result", func(t *testing.T) {
		t.Parallel()
		in, err := netsync.NewResult(map[string]any{"winner": "alice", "turns": 120})
		require.NoError(t, err)
		out := &netsync.Result{}
		roundTrip(t, netsync.MsgPlayerFinish, in, out)

		var got struct {
			Winner string `json:"winner"`
			Turns  int    `json:"turns"`
		}
		require.NoError(t, out.Decode(&got))
		assert.Equal(t, "alice", got.Winner)
		assert.Equal(t, 120, got.Turns)
	})
}

func TestMessages_Malformed(t *testing.T) {
	t.Parallel()

	_, err := netsync.ParseFrame(nil)
	require.Error(t, err)

	msg, err := netsync.NewMessage(netsync.MsgEmptyTurns, &netsync.EmptyTurns{From: 1, Count: -1})
	require.NoError(t, err)
	require.Error(t, (&netsync.EmptyTurns{}).Deserialize(wire.NewBytesReader(msg.Body)))

	msg, err = netsync.NewMessage(netsync.MsgPlayerFinish, &netsync.Result{Data: []byte("{not json")})
	require.NoError(t, err)
	require.Error(t, (&netsync.Result{}).Deserialize(wire.NewBytesReader(msg.Body)))

	require.Error(t, (&netsync.Result{}).Decode(&struct{}{}), "empty result")

	msg, err = netsync.NewMessage(netsync.MsgClientStart, &netsync.ClientStart{PlayerIDs: []string{"a", "b"}})
	require.NoError(t, err)
	for cut := range len(msg.Body) {
		require.Error(t, (&netsync.ClientStart{}).Deserialize(wire.NewBytesReader(msg.Body[:cut])), "cut at %d", cut)
	}
}

func TestMessages_NilBody(t *testing.T) {
	t.Parallel()
	msg, err := netsync.NewMessage(netsync.MsgConnect, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(netsync.MsgConnect)}, msg.Frame())
	assert.Equal(t, "connect", netsync.MsgConnect.String())
	assert.Equal(t, "unknown(200)", netsync.MsgType(200).String())
}

// -------------------------------------------------------------------------------------------------
// Turns
// -------------------------------------------------------------------------------------------------

func serverTurn(t *testing.T, f *command.Factory, cmds ...command.Command) *lockstep.ServerTurn {
	t.Helper()
	turn := &lockstep.ServerTurn{}
	for i, cmd := range cmds {
		d, err := lockstep.NewServerCommandData(lockstep.NewClientCommandData(uint32(i+1), byte(i), cmd, nil), f) //nolint:gosec // small
		require.NoError(t, err)
		require.NoError(t, turn.Add(d))
	}
	return turn
}

func TestMessages_DecodeTurn(t *testing.T) {
	t.Parallel()
	f := testutils.NewFactory()
	turn := serverTurn(t, f, &testutils.Move{Unit: 1, X: 2, Y: 3}, &testutils.Chat{Text: "gg"})

	msg, err := netsync.NewMessage(netsync.MsgTurn, &netsync.Turn{Number: 17, Turn: turn})
	require.NoError(t, err)

	n, ct, err := netsync.DecodeTurn(msg.Body, f)
	require.NoError(t, err)
	assert.Equal(t, 17, n)
	require.Equal(t, 2, ct.Len())
	assert.Equal(t, &testutils.Move{Unit: 1, X: 2, Y: 3}, ct.Commands()[0].Command)
	assert.Equal(t, byte(1), ct.Commands()[1].Player)
	assert.Equal(t, &testutils.Chat{Text: "gg"}, ct.Commands()[1].Command)

	var server netsync.Turn
	require.NoError(t, server.Deserialize(wire.NewBytesReader(msg.Body)))
	assert.Equal(t, 17, server.Number)
	assert.Equal(t, turn.Commands(), server.Turn.Commands())
}

func TestMessages_DecodeTurnUnknownCommand(t *testing.T) {
	t.Parallel()
	turn := serverTurn(t, testutils.NewFactory(), &testutils.Move{}, &testutils.Chat{Text: "?"})
	msg, err := netsync.NewMessage(netsync.MsgTurn, &netsync.Turn{Number: 3, Turn: turn})
	require.NoError(t, err)

	moveOnly := command.NewFactory()
	command.Register[testutils.Move](moveOnly, testutils.TagMove)
	n, ct, err := netsync.DecodeTurn(msg.Body, moveOnly)

	var de *lockstep.DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, ct.Len(), "undecodable commands are kept")
}

func TestMessages_EmptyTurnMessage(t *testing.T) {
	t.Parallel()
	msg, err := netsync.NewMessage(netsync.MsgTurn, &netsync.Turn{Number: 5})
	require.NoError(t, err)
	n, ct, err := netsync.DecodeTurn(msg.Body, testutils.NewFactory())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.True(t, ct.IsEmpty())
}
