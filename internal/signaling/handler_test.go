package signaling

import (
	"io"
	"testing"

	"github.com/jason-s-yu/webstar/internal/auth"
	"github.com/jason-s-yu/webstar/internal/config"
	"github.com/jason-s-yu/webstar/internal/lobby"
	"github.com/jason-s-yu/webstar/internal/session"
	"github.com/jason-s-yu/webstar/internal/stats"
	"github.com/jason-s-yu/webstar/internal/wire"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	h       *Handler
	dir     *lobby.Directory
	conns   *session.Registry
	metrics *stats.Collector
}

func newFixture(t *testing.T, signer *auth.Signer) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := config.Default()
	f := &fixture{
		dir:     lobby.NewDirectory(cfg.Lobby, logger),
		conns:   session.NewRegistry(),
		metrics: stats.NewCollector(),
	}
	f.h = NewHandler(f.dir, f.conns, Options{
		ICEServers: cfg.PionICEServers(),
		Signer:     signer,
		Events:     f.metrics,
	}, logger)
	return f
}

func (f *fixture) connect() *session.Conn {
	c := session.NewConn(session.Primary, "127.0.0.1:9", 512)
	f.conns.Add(c)
	return c
}

// create opens a lobby from a fresh connection and returns it with the
// lobby_created reply.
func (f *fixture) create(t *testing.T, name string) (*session.Conn, wire.Message) {
	t.Helper()
	c := f.connect()
	require.NoError(t, f.h.Handle(c, wire.Message{
		"type":        "create_lobby",
		"lobby_info":  map[string]interface{}{"name": name, "max_players": float64(4)},
		"player_info": map[string]interface{}{"username": "host"},
	}))
	msgs := drain(c)
	require.Len(t, msgs, 1)
	require.Equal(t, "lobby_created", msgs[0].Type())
	return c, msgs[0]
}

func (f *fixture) join(t *testing.T, lobbyID, username string) (*session.Conn, wire.Message) {
	t.Helper()
	c := f.connect()
	require.NoError(t, f.h.Handle(c, wire.Message{
		"type":        "join_lobby",
		"lobby_id":    lobbyID,
		"player_info": map[string]interface{}{"username": username},
	}))
	msgs := drain(c)
	require.Len(t, msgs, 1)
	require.Equal(t, "lobby_joined", msgs[0].Type())
	return c, msgs[0]
}

func drain(c *session.Conn) []wire.Message {
	var out []wire.Message
	for {
		select {
		case m := <-c.Out():
			out = append(out, m)
		default:
			return out
		}
	}
}

func types(msgs []wire.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type())
	}
	return out
}

func find(msgs []wire.Message, typ string) wire.Message {
	for _, m := range msgs {
		if m.Type() == typ {
			return m
		}
	}
	return nil
}

func TestCreateAndJoin(t *testing.T) {
	signer, err := auth.NewSigner(0)
	require.NoError(t, err)
	f := newFixture(t, signer)

	host, created := f.create(t, "Friday")
	lobbyID, _ := created["lobby_id"].(string)
	require.Len(t, lobbyID, config.Default().Lobby.IDLength)
	info := created["lobby_info"].(lobby.Info)
	assert.Equal(t, "Friday", info.Name)
	assert.Equal(t, 4, info.MaxPlayers)
	assert.Equal(t, created["player_id"], info.HostPlayerID)
	assert.NotEmpty(t, created["ice_servers"])

	token, _ := created["relay_token"].(string)
	require.NotEmpty(t, token)
	assert.NoError(t, signer.VerifyRelayToken(token, lobbyID, uint64(info.HostPlayerID)))

	_, joined := f.join(t, lobbyID, "guest")
	assert.Equal(t, lobbyID, joined["lobby_id"])
	assert.Len(t, joined["lobby_info"].(lobby.Info).Players, 2)

	notice := drain(host)
	require.Len(t, notice, 1)
	assert.Equal(t, "player_joined", notice[0].Type())
	p := notice[0]["player_info"].(lobby.PlayerInfo)
	assert.Equal(t, "guest", p.Username)
	assert.Equal(t, joined["player_id"], p.PlayerID)

	assert.EqualValues(t, 1, f.metrics.Snapshot().Lobbies.Created)
}

func TestWelcomeCarriesPeerHints(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := config.Default()
	dir := lobby.NewDirectory(cfg.Lobby, logger)
	conns := session.NewRegistry()
	h := NewHandler(dir, conns, Options{
		PeerTimeout: cfg.WebRTC.ConnectionTimeout,
		PeerRetries: cfg.WebRTC.MaxRetries,
	}, logger)

	c := session.NewConn(session.Primary, "127.0.0.1:9", 8)
	conns.Add(c)
	require.NoError(t, h.Handle(c, wire.Message{
		"type":        "create_lobby",
		"player_info": map[string]interface{}{"username": "host"},
	}))
	msgs := drain(c)
	require.Len(t, msgs, 1)
	hints := msgs[0]["webrtc_config"].(map[string]interface{})
	assert.EqualValues(t, 10000, hints["connection_timeout_ms"])
	assert.EqualValues(t, 3, hints["max_retries"])
}

func TestJoinByNameIsCaseInsensitive(t *testing.T) {
	f := newFixture(t, nil)
	_, created := f.create(t, "Game Night")

	_, joined := f.join(t, "game night", "guest")
	assert.Equal(t, created["lobby_id"], joined["lobby_id"])
	_, hasToken := joined["relay_token"]
	assert.False(t, hasToken)
}

func TestCreateWhileInLobbyFails(t *testing.T) {
	f := newFixture(t, nil)
	host, _ := f.create(t, "one")

	err := f.h.Handle(host, wire.Message{"type": "create_lobby"})
	assert.ErrorIs(t, err, ErrAlreadyInLobby)
	err = f.h.Handle(host, wire.Message{"type": "join_lobby", "lobby_id": "ABCDEF"})
	assert.ErrorIs(t, err, ErrAlreadyInLobby)
}

func TestJoinErrors(t *testing.T) {
	f := newFixture(t, nil)
	c := f.connect()

	err := f.h.Handle(c, wire.Message{"type": "join_lobby"})
	require.Error(t, err)

	err = f.h.Handle(c, wire.Message{
		"type":        "join_lobby",
		"lobby_id":    "NOPE00",
		"player_info": map[string]interface{}{"username": "lost"},
	})
	assert.ErrorIs(t, err, lobby.ErrLobbyNotFound)
	_, _, ok := c.Association()
	assert.False(t, ok)
}

func TestHostMigrationOnDisconnect(t *testing.T) {
	f := newFixture(t, nil)
	host, created := f.create(t, "migrate")
	lobbyID := created["lobby_id"].(string)
	b, joinedB := f.join(t, lobbyID, "b")
	c, _ := f.join(t, lobbyID, "c")
	drain(host)
	drain(b)

	f.h.Disconnect(host)

	for _, conn := range []*session.Conn{b, c} {
		msgs := drain(conn)
		assert.Equal(t, []string{"player_left", "player_list_updated", "host_migration"}, types(msgs))
		assert.Equal(t, created["player_id"], msgs[0]["player_id"])
		assert.Len(t, msgs[1]["player_list"], 2)
		assert.Equal(t, joinedB["player_id"], msgs[2]["new_host_id"])
	}

	info, ok := f.dir.Get(lobbyID)
	require.True(t, ok)
	assert.Equal(t, joinedB["player_id"], info.HostPlayerID)
}

func TestLeaveLobbyTwice(t *testing.T) {
	f := newFixture(t, nil)
	host, created := f.create(t, "leave")
	lobbyID := created["lobby_id"].(string)
	guest, _ := f.join(t, lobbyID, "guest")
	drain(host)

	require.NoError(t, f.h.Handle(guest, wire.Message{"type": "leave_lobby"}))
	left := drain(guest)
	require.Len(t, left, 1)
	assert.Equal(t, "lobby_left", left[0].Type())
	assert.Equal(t, []string{"player_left"}, types(drain(host)))

	err := f.h.Handle(guest, wire.Message{"type": "leave_lobby"})
	assert.ErrorIs(t, err, lobby.ErrNotInLobby)
	assert.Empty(t, drain(host))
}

func TestReadyAndStart(t *testing.T) {
	f := newFixture(t, nil)
	host, created := f.create(t, "start")
	lobbyID := created["lobby_id"].(string)
	guest, _ := f.join(t, lobbyID, "guest")
	drain(host)

	err := f.h.Handle(guest, wire.Message{"type": "start_game"})
	assert.ErrorIs(t, err, lobby.ErrNotHostStart)

	require.NoError(t, f.h.Handle(host, wire.Message{"type": "player_ready"}))
	assert.Equal(t, []string{"player_ready_changed"}, types(drain(guest)))
	drain(host)
	require.NoError(t, f.h.Handle(guest, wire.Message{"type": "player_ready", "is_ready": true}))
	assert.Equal(t, []string{"player_ready_changed", "all_players_ready"}, types(drain(host)))
	drain(guest)

	require.NoError(t, f.h.Handle(host, wire.Message{"type": "start_game", "game_settings": map[string]interface{}{"mode": "ffa"}}))
	for _, conn := range []*session.Conn{host, guest} {
		msgs := drain(conn)
		require.Len(t, msgs, 1)
		assert.Equal(t, "game_started", msgs[0].Type())
		assert.Equal(t, map[string]interface{}{"mode": "ffa"}, msgs[0]["game_settings"])
	}

	err = f.h.Handle(host, wire.Message{"type": "start_game"})
	assert.ErrorIs(t, err, lobby.ErrAlreadyInGame)
}

func TestWebRTCForwarding(t *testing.T) {
	f := newFixture(t, nil)
	host, created := f.create(t, "rtc")
	lobbyID := created["lobby_id"].(string)
	guest, joined := f.join(t, lobbyID, "guest")
	drain(host)

	offer := map[string]interface{}{"sdp": "v=0", "type": "offer"}
	require.NoError(t, f.h.Handle(host, wire.Message{
		"type":             "webrtc_offer",
		"target_player_id": float64(joined["player_id"].(lobby.PlayerID)),
		"data":             offer,
	}))
	got := drain(guest)
	require.Len(t, got, 1)
	assert.Equal(t, "webrtc_offer", got[0].Type())
	assert.Equal(t, created["player_id"], got[0]["from_player_id"])
	assert.Equal(t, offer, got[0]["data"])
	assert.Empty(t, drain(host))

	err := f.h.Handle(host, wire.Message{"type": "webrtc_answer", "data": offer})
	assert.ErrorIs(t, err, ErrTargetRequired)
	err = f.h.Handle(host, wire.Message{"type": "webrtc_ice_candidate", "target_player_id": float64(999999), "data": offer})
	assert.ErrorIs(t, err, ErrTargetNotFound)

	outsider := f.connect()
	err = f.h.Handle(outsider, wire.Message{"type": "webrtc_offer", "target_player_id": float64(1)})
	assert.ErrorIs(t, err, lobby.ErrNotInLobby)

	assert.EqualValues(t, 1, f.metrics.Snapshot().WebRTC.Attempted)
}

func TestPeerConnectionFailedFallsBackToRelay(t *testing.T) {
	f := newFixture(t, nil)
	host, created := f.create(t, "fallback")
	lobbyID := created["lobby_id"].(string)
	guest, joined := f.join(t, lobbyID, "guest")
	drain(host)

	require.NoError(t, f.h.Handle(host, wire.Message{
		"type":             "peer_connection_failed",
		"target_player_id": float64(joined["player_id"].(lobby.PlayerID)),
		"reason":           "ice_failed",
	}))

	toGuest := drain(guest)
	assert.Equal(t, []string{"peer_connection_failed", "fallback_to_relay"}, types(toGuest))
	assert.Equal(t, "/relay", toGuest[1]["relay_endpoint"])
	assert.Equal(t, created["player_id"], toGuest[1]["target_player_id"])

	toHost := drain(host)
	require.Len(t, toHost, 1)
	assert.Equal(t, "fallback_to_relay", toHost[0].Type())

	snap := f.metrics.Snapshot()
	assert.EqualValues(t, 1, snap.WebRTC.Failed)
	assert.EqualValues(t, 1, snap.WebRTC.RelayFallbacks)
	assert.EqualValues(t, 1, snap.WebRTC.FailureReasons["ice_failed"])
}

func TestSettingsAndPlayerInfo(t *testing.T) {
	f := newFixture(t, nil)
	host, created := f.create(t, "settings")
	lobbyID := created["lobby_id"].(string)
	guest, _ := f.join(t, lobbyID, "guest")
	drain(host)

	err := f.h.Handle(guest, wire.Message{"type": "lobby_settings", "max_players": float64(6)})
	assert.ErrorIs(t, err, lobby.ErrNotHostSettings)

	require.NoError(t, f.h.Handle(host, wire.Message{
		"type":        "lobby_settings",
		"lobby_name":  "renamed",
		"max_players": float64(1),
	}))
	upd := find(drain(guest), "lobby_settings_updated")
	require.NotNil(t, upd)
	info := upd["lobby_info"].(lobby.Info)
	assert.Equal(t, "renamed", info.Name)
	assert.Equal(t, 2, info.MaxPlayers)
	drain(host)

	require.NoError(t, f.h.Handle(guest, wire.Message{
		"type":     "update_player_info",
		"username": "guesty",
		"metadata": map[string]interface{}{"color": "red"},
	}))
	assert.Empty(t, drain(guest))
	got := drain(host)
	require.Len(t, got, 1)
	assert.Equal(t, "player_info_updated", got[0].Type())
	assert.Equal(t, "guesty", got[0]["username"])
	assert.Equal(t, map[string]interface{}{"color": "red"}, got[0]["metadata"])
}

func TestLobbyMessageAndList(t *testing.T) {
	f := newFixture(t, nil)
	host, created := f.create(t, "chat")
	lobbyID := created["lobby_id"].(string)
	guest, _ := f.join(t, lobbyID, "guest")
	drain(host)

	require.NoError(t, f.h.Handle(guest, wire.Message{"type": "lobby_message", "data": "gg"}))
	assert.Empty(t, drain(guest))
	got := drain(host)
	require.Len(t, got, 1)
	assert.Equal(t, "gg", got[0]["data"])

	loner := f.connect()
	require.NoError(t, f.h.Handle(loner, wire.Message{"type": "lobby_list"}))
	list := drain(loner)
	require.Len(t, list, 1)
	lobbies := list[0]["lobbies"].([]lobby.Info)
	require.Len(t, lobbies, 1)
	assert.Equal(t, lobbyID, lobbies[0].ID)
}

func TestHeartbeatAndUnknown(t *testing.T) {
	f := newFixture(t, nil)
	c := f.connect()

	require.NoError(t, f.h.Handle(c, wire.Message{"type": "heartbeat"}))
	require.NoError(t, f.h.Handle(c, wire.Message{"type": "ping"}))
	assert.Equal(t, []string{"heartbeat_ack", "pong"}, types(drain(c)))

	err := f.h.Handle(c, wire.Message{"type": "warp"})
	require.Error(t, err)
}

func TestApplyCleanupNotifiesReapedPlayer(t *testing.T) {
	f := newFixture(t, nil)
	host, created := f.create(t, "reap")
	lobbyID := created["lobby_id"].(string)
	guest, joined := f.join(t, lobbyID, "guest")
	drain(host)

	dep, ok := f.dir.RemovePlayer(lobbyID, joined["player_id"].(lobby.PlayerID))
	require.True(t, ok)
	f.h.ApplyCleanup(lobby.CleanupReport{Reaped: []lobby.Departure{dep}})

	left := drain(guest)
	require.Len(t, left, 1)
	assert.Equal(t, "inactive", left[0]["reason"])
	_, _, bound := guest.Association()
	assert.False(t, bound)
	assert.Equal(t, []string{"player_left", "player_list_updated"}, types(drain(host)))
}

func TestApplyCleanupClosesExpiredLobby(t *testing.T) {
	f := newFixture(t, nil)
	host, created := f.create(t, "expire")
	lobbyID := created["lobby_id"].(string)
	guest, _ := f.join(t, lobbyID, "guest")
	drain(host)

	info, ok := f.dir.Get(lobbyID)
	require.True(t, ok)
	f.h.ApplyCleanup(lobby.CleanupReport{
		Expired:        []lobby.Expiry{{LobbyID: lobbyID, Players: info.Players}},
		RemovedLobbies: []string{lobbyID},
	})

	for _, conn := range []*session.Conn{host, guest} {
		msgs := drain(conn)
		require.Len(t, msgs, 1)
		assert.Equal(t, "lobby_closed", msgs[0].Type())
		assert.Equal(t, "expired", msgs[0]["reason"])
		_, _, bound := conn.Association()
		assert.False(t, bound)
	}
	assert.EqualValues(t, 1, f.metrics.Snapshot().Lobbies.Destroyed)
}

func TestRepeatedWrongPasswordsLockOutConnection(t *testing.T) {
	f := newFixture(t, nil)
	host := f.connect()
	require.NoError(t, f.h.Handle(host, wire.Message{
		"type":        "create_lobby",
		"lobby_info":  map[string]interface{}{"name": "locked", "password": "secret"},
		"player_info": map[string]interface{}{"username": "host"},
	}))
	created := find(drain(host), "lobby_created")
	require.NotNil(t, created)
	lobbyID := created["lobby_id"].(string)

	guest := f.connect()
	attempt := func(password string) error {
		return f.h.Handle(guest, wire.Message{
			"type":        "join_lobby",
			"lobby_id":    lobbyID,
			"password":    password,
			"player_info": map[string]interface{}{"username": "guest"},
		})
	}
	for i := 0; i < maxPasswordFailures; i++ {
		assert.ErrorIs(t, attempt("guess"), lobby.ErrWrongPassword)
	}
	assert.ErrorIs(t, attempt("secret"), ErrTooManyAttempts)
	_, _, ok := guest.Association()
	assert.False(t, ok)

	// The limit is per connection.
	other := f.connect()
	require.NoError(t, f.h.Handle(other, wire.Message{
		"type":        "join_lobby",
		"lobby_id":    lobbyID,
		"password":    "secret",
		"player_info": map[string]interface{}{"username": "other"},
	}))
	assert.Equal(t, "lobby_joined", drain(other)[0].Type())
}

func TestEndGameBroadcastsAndAllowsRestart(t *testing.T) {
	f := newFixture(t, nil)
	host, created := f.create(t, "rounds")
	lobbyID := created["lobby_id"].(string)
	guest, _ := f.join(t, lobbyID, "guest")
	drain(host)

	err := f.h.Handle(host, wire.Message{"type": "end_game"})
	assert.ErrorIs(t, err, lobby.ErrNotInGame)

	require.NoError(t, f.h.Handle(host, wire.Message{"type": "start_game"}))
	drain(host)
	drain(guest)

	err = f.h.Handle(guest, wire.Message{"type": "end_game"})
	assert.ErrorIs(t, err, lobby.ErrNotHostEnd)

	results := map[string]interface{}{"winner": "guest"}
	require.NoError(t, f.h.Handle(host, wire.Message{"type": "end_game", "results": results}))
	for _, conn := range []*session.Conn{host, guest} {
		msgs := drain(conn)
		require.Len(t, msgs, 1)
		assert.Equal(t, "game_ended", msgs[0].Type())
		assert.Equal(t, results, msgs[0]["results"])
		info, ok := msgs[0]["lobby_info"].(lobby.Info)
		require.True(t, ok)
		assert.Equal(t, lobby.StateFinished, info.State)
	}

	require.NoError(t, f.h.Handle(host, wire.Message{"type": "start_game"}))
	assert.Equal(t, []string{"game_started"}, types(drain(guest)))
}
