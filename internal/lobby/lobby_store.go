// internal/lobby/lobby_store.go
package lobby

import (
	"maps"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jason-s-yu/webstar/internal/apperr"
	"github.com/jason-s-yu/webstar/internal/auth"
	"github.com/jason-s-yu/webstar/internal/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var (
	ErrLobbyNotFound    = apperr.New(apperr.NotFound, "lobby_not_found", "Lobby not found")
	ErrLobbyFull        = apperr.New(apperr.Capacity, "lobby_full", "Lobby is full")
	ErrMaxLobbies       = apperr.New(apperr.Capacity, "max_lobbies_reached", "Maximum number of lobbies reached")
	ErrAlreadyJoined    = apperr.New(apperr.Validation, "already_joined", "Player already in lobby")
	ErrNotInLobby       = apperr.New(apperr.NotFound, "not_in_lobby", "Not in a lobby")
	ErrPlayerNotFound   = apperr.New(apperr.NotFound, "player_not_found", "Player not found in lobby")
	ErrNotHostStart     = apperr.New(apperr.Unauthorized, "not_host", "Only the host can start the game")
	ErrNotHostSettings  = apperr.New(apperr.Unauthorized, "not_host", "Only the host can change lobby settings")
	ErrNotEnoughPlayers = apperr.New(apperr.Validation, "not_enough_players", "Need at least 2 players to start")
	ErrAlreadyInGame    = apperr.New(apperr.Validation, "already_in_game", "Game already in progress")
	ErrNotHostEnd       = apperr.New(apperr.Unauthorized, "not_host", "Only the host can end the game")
	ErrNotInGame        = apperr.New(apperr.Validation, "not_in_game", "No game in progress")
	ErrWrongPassword    = apperr.New(apperr.Unauthorized, "invalid_password", "Invalid lobby password")
	ErrInvalidState     = apperr.New(apperr.Validation, "invalid_state", "Invalid lobby state")
	ErrPasswordBusy     = apperr.New(apperr.RateLimited, "server_busy", "Too many password checks in progress, try again")
)

const (
	idAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxIDAttempts = 100

	// maxPasswordChecks bounds concurrent argon2 work (16 MiB each).
	maxPasswordChecks = 4
)

// Settings is the client-supplied part of create_lobby.
type Settings struct {
	Name         string
	MaxPlayers   int // 0 selects the configured default
	IsPublic     *bool
	GameSettings map[string]interface{}
	Password     string
}

// SettingsUpdate carries the fields of lobby_settings; nil fields are left
// unchanged and GameSettings is merged key by key.
type SettingsUpdate struct {
	Name         *string
	MaxPlayers   *int
	IsPublic     *bool
	GameSettings map[string]interface{}
}

// PlayerUpdate carries the fields of update_player_info. Empty strings leave
// the field unchanged; Metadata is merged key by key.
type PlayerUpdate struct {
	Username string
	PeerID   string
	Metadata map[string]interface{}
}

// Departure describes a player's removal from a lobby.
type Departure struct {
	LobbyID string
	Player  PlayerInfo
	// NewHostID is non-zero when the departing player was host and another
	// member was promoted.
	NewHostID PlayerID
	Remaining []PlayerInfo
}

// CleanupReport lists what one CleanupInactive pass removed.
type CleanupReport struct {
	Reaped         []Departure
	Expired        []Expiry
	RemovedLobbies []string
}

// Expiry is a lobby closed with its members still in it.
type Expiry struct {
	LobbyID string
	Players []PlayerInfo
}

// Stats is a point-in-time summary of the directory.
type Stats struct {
	TotalLobbies       int           `json:"total_lobbies"`
	TotalPlayers       int           `json:"total_players"`
	PublicLobbies      int           `json:"public_lobbies"`
	WaitingLobbies     int           `json:"waiting_lobbies"`
	InGameLobbies      int           `json:"in_game_lobbies"`
	FinishedLobbies    int           `json:"finished_lobbies"`
	LobbyStates        map[State]int `json:"lobby_states"`
	PlayerDistribution map[int]int   `json:"player_distribution"`
}

// Directory manages active lobbies in memory. The lobbies map and the
// player->lobby index have their own locks; each Lobby carries its own
// mutex. Locks are always taken in the order Directory.mu -> Lobby.mu, and
// indexMu is never held while taking either.
type Directory struct {
	cfg    config.LobbyConfig
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.RWMutex
	lobbies map[string]*Lobby

	indexMu sync.Mutex
	index   map[PlayerID]string

	lastPlayerID atomic.Uint64

	passwordSlots *semaphore.Weighted
}

// NewDirectory initializes and returns an empty Directory.
func NewDirectory(cfg config.LobbyConfig, logger *logrus.Logger) *Directory {
	return &Directory{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		lobbies: make(map[string]*Lobby),
		index:   make(map[PlayerID]string),

		passwordSlots: semaphore.NewWeighted(maxPasswordChecks),
	}
}

// hashPassword and verifyPassword run argon2 only when a slot is free.
func (d *Directory) hashPassword(password string) (string, error) {
	if !d.passwordSlots.TryAcquire(1) {
		return "", ErrPasswordBusy
	}
	defer d.passwordSlots.Release(1)
	return auth.HashPassword(password, auth.LobbyParams)
}

func (d *Directory) verifyPassword(password, hash string) error {
	if !d.passwordSlots.TryAcquire(1) {
		return ErrPasswordBusy
	}
	defer d.passwordSlots.Release(1)
	ok, err := auth.VerifyPassword(password, hash)
	if err != nil || !ok {
		return ErrWrongPassword
	}
	return nil
}

// NextPlayerID returns a fresh player id. Ids start at 1 and only increase.
func (d *Directory) NextPlayerID() PlayerID {
	return PlayerID(d.lastPlayerID.Add(1))
}

// NormalizeID canonicalizes a client-supplied lobby code.
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// ValidateProfile checks a player's username.
func (d *Directory) ValidateProfile(p Profile) error {
	if strings.TrimSpace(p.Username) == "" {
		return apperr.Validationf("Username is required")
	}
	if utf8.RuneCountInString(p.Username) > d.cfg.MaxUsernameLength {
		return apperr.Validationf("Username too long (max %d characters)", d.cfg.MaxUsernameLength)
	}
	return nil
}

func (d *Directory) validateSettings(s Settings) error {
	if utf8.RuneCountInString(s.Name) > d.cfg.MaxNameLength {
		return apperr.Validationf("Lobby name too long (max %d characters)", d.cfg.MaxNameLength)
	}
	if s.MaxPlayers != 0 && (s.MaxPlayers < 2 || s.MaxPlayers > d.cfg.MaxPlayersPerLobby) {
		return apperr.Validationf("Invalid max players (must be between 2 and %d)", d.cfg.MaxPlayersPerLobby)
	}
	return nil
}

// CreateLobby creates a lobby with hostID as its first member and host. If
// hostID was a member of another lobby it is removed from it once the new
// lobby exists, and the departure is returned. A failed create leaves the
// old membership untouched.
func (d *Directory) CreateLobby(hostID PlayerID, s Settings, host Profile) (Info, *Departure, error) {
	if err := d.validateSettings(s); err != nil {
		return Info{}, nil, err
	}
	if err := d.ValidateProfile(host); err != nil {
		return Info{}, nil, err
	}
	var hash string
	if s.Password != "" {
		var err error
		if hash, err = d.hashPassword(s.Password); err != nil {
			return Info{}, nil, err
		}
	}

	now := d.now()
	l := &Lobby{
		hostID:       hostID,
		public:       true,
		maxPlayers:   s.MaxPlayers,
		gameSettings: maps.Clone(s.GameSettings),
		passwordHash: hash,
		state:        StateWaiting,
		createdAt:    now,
		lastActivity: now,
	}
	if l.maxPlayers == 0 {
		l.maxPlayers = min(d.cfg.DefaultMaxPlayers, d.cfg.MaxPlayersPerLobby)
	}
	if s.IsPublic != nil {
		l.public = *s.IsPublic
	}
	if l.gameSettings == nil {
		l.gameSettings = map[string]interface{}{}
	}
	l.players = []*Player{newPlayer(hostID, host, now)}

	d.mu.Lock()
	if len(d.lobbies) >= d.cfg.MaxLobbies {
		d.mu.Unlock()
		return Info{}, nil, ErrMaxLobbies
	}
	l.id = d.newIDUnsafe()
	l.name = strings.TrimSpace(s.Name)
	if l.name == "" {
		l.name = "Lobby " + l.id
	}
	d.lobbies[l.id] = l
	info := l.infoUnsafe(true)
	d.mu.Unlock()

	prev := d.leaveCurrent(hostID, l.id)
	d.setIndex(hostID, l.id)
	d.logger.Infof("Player %d created lobby %s (%q, max %d players)", hostID, info.ID, info.Name, info.MaxPlayers)
	return info, prev, nil
}

// JoinLobby adds playerID to the lobby identified by lobbyID (a lobby code, or
// failing that a lobby name). The capacity check and the insert happen under
// the lobby's lock, so concurrent joins never overshoot maxPlayers. Only
// after the seat is taken is the player removed from its previous lobby, so
// a failed join leaves that membership in place.
func (d *Directory) JoinLobby(lobbyID string, playerID PlayerID, profile Profile, password string) (Info, *Departure, error) {
	if err := d.ValidateProfile(profile); err != nil {
		return Info{}, nil, err
	}
	l := d.find(lobbyID)
	if l == nil {
		return Info{}, nil, ErrLobbyNotFound
	}

	l.mu.Lock()
	hash := l.passwordHash
	l.mu.Unlock()
	if hash != "" {
		if err := d.verifyPassword(password, hash); err != nil {
			return Info{}, nil, err
		}
	}

	now := d.now()
	l.mu.Lock()
	if l.deleted {
		l.mu.Unlock()
		return Info{}, nil, ErrLobbyNotFound
	}
	if l.playerIndexUnsafe(playerID) >= 0 {
		l.mu.Unlock()
		return Info{}, nil, ErrAlreadyJoined
	}
	if len(l.players) >= l.maxPlayers {
		l.mu.Unlock()
		return Info{}, nil, ErrLobbyFull
	}
	l.players = append(l.players, newPlayer(playerID, profile, now))
	if l.playerUnsafe(l.hostID) == nil {
		// Joining an empty lobby whose host already left.
		l.hostID = playerID
	}
	l.touchUnsafe(now)
	info := l.infoUnsafe(true)
	l.mu.Unlock()

	prev := d.leaveCurrent(playerID, l.id)
	d.setIndex(playerID, l.id)
	d.logger.Infof("Player %d (%s) joined lobby %s", playerID, profile.Username, l.id)
	return info, prev, nil
}

// RemovePlayer removes playerID from lobbyID. If the player was host and
// others remain, the member with the lowest id becomes host in the same
// critical section. Absent lobby or player yields false.
func (d *Directory) RemovePlayer(lobbyID string, playerID PlayerID) (Departure, bool) {
	l := d.lookup(lobbyID)
	if l == nil {
		return Departure{}, false
	}

	l.mu.Lock()
	if l.deleted {
		l.mu.Unlock()
		return Departure{}, false
	}
	dep, ok := d.removeUnsafe(l, playerID, d.now())
	l.mu.Unlock()
	if !ok {
		return Departure{}, false
	}

	d.clearIndex(playerID, l.id)
	d.logDeparture(dep, "left")
	return dep, true
}

func (d *Directory) removeUnsafe(l *Lobby, playerID PlayerID, now time.Time) (Departure, bool) {
	p, newHost := l.removePlayerUnsafe(playerID, now)
	if p == nil {
		return Departure{}, false
	}
	dep := Departure{
		LobbyID:   l.id,
		Player:    p.info(),
		NewHostID: newHost,
		Remaining: make([]PlayerInfo, 0, len(l.players)),
	}
	for _, other := range l.players {
		dep.Remaining = append(dep.Remaining, other.info())
	}
	return dep, true
}

func (d *Directory) logDeparture(dep Departure, verb string) {
	d.logger.Infof("Player %d (%s) %s lobby %s", dep.Player.PlayerID, dep.Player.Username, verb, dep.LobbyID)
	if dep.NewHostID != 0 {
		d.logger.Infof("Lobby %s: host migrated from %d to %d", dep.LobbyID, dep.Player.PlayerID, dep.NewHostID)
	}
	if len(dep.Remaining) == 0 {
		d.logger.Infof("Lobby %s is now empty, will be cleaned up", dep.LobbyID)
	}
}

// leaveCurrent removes playerID from whatever lobby it is indexed under,
// unless that lobby is keep.
func (d *Directory) leaveCurrent(playerID PlayerID, keep string) *Departure {
	cur, ok := d.LobbyOf(playerID)
	if !ok || cur == keep {
		return nil
	}
	if dep, ok := d.RemovePlayer(cur, playerID); ok {
		return &dep
	}
	return nil
}

// SetPlayerReady sets the ready flag and reports whether the lobby now has at
// least two players who are all ready.
func (d *Directory) SetPlayerReady(lobbyID string, playerID PlayerID, ready bool) (bool, error) {
	var allReady bool
	err := d.withPlayer(lobbyID, playerID, func(l *Lobby, p *Player, now time.Time) error {
		p.Ready = ready
		p.LastSeen = now
		allReady = l.allReadyUnsafe()
		return nil
	})
	return allReady, err
}

// SetLobbyState moves the lobby to state.
func (d *Directory) SetLobbyState(lobbyID string, state State) error {
	if !ValidState(state) {
		return ErrInvalidState
	}
	return d.withLobby(lobbyID, func(l *Lobby, now time.Time) error {
		if l.state != state {
			d.logger.Infof("Lobby %s state changed to: %s", l.id, state)
		}
		l.state = state
		return nil
	})
}

// StartGame checks the host and player-count preconditions and moves the
// lobby to in_game atomically.
func (d *Directory) StartGame(lobbyID string, playerID PlayerID) (Info, error) {
	var info Info
	err := d.withLobby(lobbyID, func(l *Lobby, now time.Time) error {
		if l.playerUnsafe(playerID) == nil {
			return ErrPlayerNotFound
		}
		if l.hostID != playerID {
			return ErrNotHostStart
		}
		if len(l.players) < 2 {
			return ErrNotEnoughPlayers
		}
		if l.state == StateInGame {
			return ErrAlreadyInGame
		}
		l.state = StateInGame
		info = l.infoUnsafe(false)
		return nil
	})
	if err == nil {
		d.logger.Infof("Game started in lobby %s by host %d", lobbyID, playerID)
	}
	return info, err
}

// EndGame moves an in_game lobby to finished and clears every ready flag, so
// the next start needs a fresh round of player_ready.
func (d *Directory) EndGame(lobbyID string, playerID PlayerID) (Info, error) {
	var info Info
	err := d.withLobby(lobbyID, func(l *Lobby, now time.Time) error {
		if l.playerUnsafe(playerID) == nil {
			return ErrPlayerNotFound
		}
		if l.hostID != playerID {
			return ErrNotHostEnd
		}
		if l.state != StateInGame {
			return ErrNotInGame
		}
		l.state = StateFinished
		for _, p := range l.players {
			p.Ready = false
		}
		info = l.infoUnsafe(true)
		return nil
	})
	if err == nil {
		d.logger.Infof("Game finished in lobby %s", lobbyID)
	}
	return info, err
}

// Touch refreshes a player's last-seen time.
func (d *Directory) Touch(lobbyID string, playerID PlayerID) {
	_ = d.withPlayer(lobbyID, playerID, func(l *Lobby, p *Player, now time.Time) error {
		p.LastSeen = now
		return nil
	})
}

// UpdatePlayer merges upd into the player's record and returns the result.
func (d *Directory) UpdatePlayer(lobbyID string, playerID PlayerID, upd PlayerUpdate) (PlayerInfo, error) {
	if upd.Username != "" && utf8.RuneCountInString(upd.Username) > d.cfg.MaxUsernameLength {
		return PlayerInfo{}, apperr.Validationf("Username too long (max %d characters)", d.cfg.MaxUsernameLength)
	}
	var out PlayerInfo
	err := d.withPlayer(lobbyID, playerID, func(l *Lobby, p *Player, now time.Time) error {
		if upd.Username != "" {
			p.Username = upd.Username
		}
		if upd.PeerID != "" {
			p.PeerID = upd.PeerID
		}
		if len(upd.Metadata) > 0 {
			if p.Metadata == nil {
				p.Metadata = make(map[string]interface{}, len(upd.Metadata))
			}
			maps.Copy(p.Metadata, upd.Metadata)
		}
		p.LastSeen = now
		out = p.info()
		return nil
	})
	return out, err
}

// UpdateSettings applies a host's lobby_settings. MaxPlayers is clamped to
// [max(2, current players), configured cap].
func (d *Directory) UpdateSettings(lobbyID string, playerID PlayerID, upd SettingsUpdate) (Info, error) {
	if upd.Name != nil && utf8.RuneCountInString(*upd.Name) > d.cfg.MaxNameLength {
		return Info{}, apperr.Validationf("Lobby name too long (max %d characters)", d.cfg.MaxNameLength)
	}
	var info Info
	err := d.withLobby(lobbyID, func(l *Lobby, now time.Time) error {
		if l.hostID != playerID || l.playerUnsafe(playerID) == nil {
			return ErrNotHostSettings
		}
		if upd.Name != nil && strings.TrimSpace(*upd.Name) != "" {
			l.name = strings.TrimSpace(*upd.Name)
		}
		if upd.MaxPlayers != nil {
			l.maxPlayers = min(max(*upd.MaxPlayers, 2, len(l.players)), d.cfg.MaxPlayersPerLobby)
		}
		if upd.IsPublic != nil {
			l.public = *upd.IsPublic
		}
		if len(upd.GameSettings) > 0 {
			maps.Copy(l.gameSettings, upd.GameSettings)
		}
		info = l.infoUnsafe(true)
		return nil
	})
	return info, err
}

// Get returns a snapshot of lobbyID including its players.
func (d *Directory) Get(lobbyID string) (Info, bool) {
	l := d.lookup(lobbyID)
	if l == nil {
		return Info{}, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deleted {
		return Info{}, false
	}
	return l.infoUnsafe(true), true
}

// LobbyOf returns the lobby playerID currently belongs to.
func (d *Directory) LobbyOf(playerID PlayerID) (string, bool) {
	d.indexMu.Lock()
	defer d.indexMu.Unlock()
	id, ok := d.index[playerID]
	return id, ok
}

// PublicLobbies lists public, waiting, non-full lobbies, newest first.
func (d *Directory) PublicLobbies() []Info {
	d.mu.RLock()
	out := make([]Info, 0, len(d.lobbies))
	for _, l := range d.lobbies {
		l.mu.Lock()
		if l.openUnsafe() {
			out = append(out, l.infoUnsafe(false))
		}
		l.mu.Unlock()
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// LobbyCount returns the number of lobbies, empty ones included.
func (d *Directory) LobbyCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.lobbies)
}

// PlayerCount returns the number of players across all lobbies.
func (d *Directory) PlayerCount() int {
	d.indexMu.Lock()
	defer d.indexMu.Unlock()
	return len(d.index)
}

// Stats summarizes lobby states and sizes.
func (d *Directory) Stats() Stats {
	s := Stats{
		LobbyStates:        make(map[State]int),
		PlayerDistribution: make(map[int]int),
	}
	d.mu.RLock()
	for _, l := range d.lobbies {
		l.mu.Lock()
		s.TotalLobbies++
		s.TotalPlayers += len(l.players)
		if l.public {
			s.PublicLobbies++
		}
		s.LobbyStates[l.state]++
		s.PlayerDistribution[len(l.players)]++
		switch l.state {
		case StateWaiting:
			s.WaitingLobbies++
		case StateInGame:
			s.InGameLobbies++
		case StateFinished:
			s.FinishedLobbies++
		}
		l.mu.Unlock()
	}
	d.mu.RUnlock()
	return s
}

// CleanupInactive closes lobbies idle past the lobby TTL, removes players
// unseen for longer than the inactive-player threshold, then removes lobbies
// that have been empty and idle for longer than the empty-lobby threshold.
func (d *Directory) CleanupInactive() CleanupReport {
	var report CleanupReport
	now := d.now()

	d.mu.Lock()
	for id, l := range d.lobbies {
		l.mu.Lock()
		if d.cfg.DefaultTTL > 0 && len(l.players) > 0 && now.Sub(l.lastActivity) > d.cfg.DefaultTTL {
			exp := Expiry{LobbyID: id, Players: make([]PlayerInfo, 0, len(l.players))}
			for _, p := range l.players {
				exp.Players = append(exp.Players, p.info())
			}
			l.players = nil
			l.deleted = true
			delete(d.lobbies, id)
			report.Expired = append(report.Expired, exp)
			report.RemovedLobbies = append(report.RemovedLobbies, id)
			l.mu.Unlock()
			continue
		}
		var stale []PlayerID
		for _, p := range l.players {
			if now.Sub(p.LastSeen) > d.cfg.InactivePlayerTTL {
				stale = append(stale, p.ID)
			}
		}
		for _, pid := range stale {
			if dep, ok := d.removeUnsafe(l, pid, now); ok {
				report.Reaped = append(report.Reaped, dep)
			}
		}
		if len(l.players) == 0 && now.Sub(l.lastActivity) > d.cfg.EmptyLobbyTTL {
			l.deleted = true
			delete(d.lobbies, id)
			report.RemovedLobbies = append(report.RemovedLobbies, id)
		}
		l.mu.Unlock()
	}
	d.mu.Unlock()

	for _, dep := range report.Reaped {
		d.clearIndex(dep.Player.PlayerID, dep.LobbyID)
		d.logDeparture(dep, "reaped for inactivity from")
	}
	for _, exp := range report.Expired {
		for _, p := range exp.Players {
			d.clearIndex(p.PlayerID, exp.LobbyID)
		}
		d.logger.Infof("Lobby %s expired with %d players", exp.LobbyID, len(exp.Players))
	}
	for _, id := range report.RemovedLobbies {
		d.logger.Infof("Cleaned up lobby %s", id)
	}
	if n := len(report.RemovedLobbies); n > 0 {
		d.logger.Infof("Cleanup completed: removed %d lobbies", n)
	}
	return report
}

func (d *Directory) lookup(lobbyID string) *Lobby {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lobbies[NormalizeID(lobbyID)]
}

// find resolves a lobby by code, then by case-insensitive name.
func (d *Directory) find(identifier string) *Lobby {
	if l := d.lookup(identifier); l != nil {
		return l
	}
	name := strings.TrimSpace(identifier)
	if name == "" {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var best *Lobby
	var bestAt time.Time
	for _, l := range d.lobbies {
		l.mu.Lock()
		match := strings.EqualFold(l.name, name)
		at := l.createdAt
		l.mu.Unlock()
		if !match {
			continue
		}
		// Newest wins; ids break ties so the choice does not depend on map order.
		if best == nil || at.After(bestAt) || (at.Equal(bestAt) && l.id > best.id) {
			best, bestAt = l, at
		}
	}
	return best
}

func (d *Directory) withLobby(lobbyID string, fn func(l *Lobby, now time.Time) error) error {
	l := d.lookup(lobbyID)
	if l == nil {
		return ErrLobbyNotFound
	}
	now := d.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deleted {
		return ErrLobbyNotFound
	}
	if err := fn(l, now); err != nil {
		return err
	}
	l.touchUnsafe(now)
	return nil
}

func (d *Directory) withPlayer(lobbyID string, playerID PlayerID, fn func(l *Lobby, p *Player, now time.Time) error) error {
	return d.withLobby(lobbyID, func(l *Lobby, now time.Time) error {
		p := l.playerUnsafe(playerID)
		if p == nil {
			return ErrPlayerNotFound
		}
		return fn(l, p, now)
	})
}

func (d *Directory) setIndex(playerID PlayerID, lobbyID string) {
	d.indexMu.Lock()
	d.index[playerID] = lobbyID
	d.indexMu.Unlock()
}

func (d *Directory) clearIndex(playerID PlayerID, lobbyID string) {
	d.indexMu.Lock()
	if d.index[playerID] == lobbyID {
		delete(d.index, playerID)
	}
	d.indexMu.Unlock()
}

// newIDUnsafe samples short codes until one is free, falling back to a
// truncated UUID. Caller must hold d.mu for writing.
func (d *Directory) newIDUnsafe() string {
	n := d.cfg.IDLength
	for range maxIDAttempts {
		b := make([]byte, n)
		for i := range b {
			b[i] = idAlphabet[rand.IntN(len(idAlphabet))]
		}
		if _, taken := d.lobbies[string(b)]; !taken {
			return string(b)
		}
	}
	d.logger.Warnf("Lobby id space crowded after %d attempts, falling back to uuid", maxIDAttempts)
	for {
		id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
		if n < len(id) {
			id = id[:n]
		}
		if _, taken := d.lobbies[id]; !taken {
			return id
		}
	}
}

func newPlayer(id PlayerID, p Profile, now time.Time) *Player {
	return &Player{
		ID:       id,
		Username: strings.TrimSpace(p.Username),
		PeerID:   p.PeerID,
		JoinedAt: now,
		LastSeen: now,
		Metadata: maps.Clone(p.Metadata),
	}
}
