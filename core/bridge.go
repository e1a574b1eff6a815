package core

import (
	"fmt"
	"math/rand"
	"net"
	"sort"
	"time"

	"github.com/cedarmesh/cedar/protocol"
	"github.com/cedarmesh/cedar/state"
	"github.com/cedarmesh/cedar/transport"
	ping "github.com/digineo/go-ping"
	"github.com/jellydator/ttlcache/v3"
)

// BridgeRole is a bridge's place in the gateway hierarchy.
type BridgeRole int

const (
	RoleStandby BridgeRole = iota
	RoleSecondary
	RolePrimary
)

func (r BridgeRole) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSecondary:
		return "secondary"
	}
	return "standby"
}

// BridgeRecord tracks the status and health of one internet-uplink node.
type BridgeRecord struct {
	NodeId            state.NodeId
	Priority          int
	RSSI              int8
	InternetConnected bool
	Role              BridgeRole
	LastHeartbeat     time.Time
	GatewayAddr       string
	Uptime            uint32
}

// Healthy reports whether the bridge heartbeated within the timeout.
func (b *BridgeRecord) Healthy(timeout time.Duration) bool {
	return time.Since(b.LastHeartbeat) <= timeout
}

// SignalSource is the radio/link-quality collaborator providing the current
// signal strength toward the uplink.
type SignalSource interface {
	RSSI() int8
}

type staticSignal int8

func (s staticSignal) RSSI() int8 { return int8(s) }

// Bridge tracks known internet-uplink nodes, runs priority/signal-based
// election and failover, self-registers its own status and exposes the
// current primary gateway.
type Bridge struct {
	// Signal overrides the link-quality source; a fixed value is used when
	// the platform provides none.
	Signal SignalSource
	// CheckInternet overrides the connectivity probe, used by tests.
	CheckInternet func() bool

	mu    *state.TimedMutex
	known map[state.NodeId]*BridgeRecord

	isBridge      bool
	internet      bool
	meshConnected bool
	started       time.Time
	bootTime      time.Time
	lastElection  time.Time
	electionTask  *state.ScheduledTask
	rrIndex       int

	// duplicate suppression for relayed status/election broadcasts
	dedup *ttlcache.Cache[string, struct{}]

	// fires on gained/lost mesh internet connectivity
	onConnectivity func(s *state.State, online bool)
	onRoleChange   func(self BridgeRole)
}

func (b *Bridge) Init(s *state.State) error {
	s.Log.Debug("init bridge coordinator")
	b.mu = state.NewTimedMutex()
	b.known = make(map[state.NodeId]*BridgeRecord)
	b.started = time.Now()
	b.bootTime = time.Now()
	b.dedup = ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](state.DuplicateTrackTTL),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	if b.Signal == nil {
		b.Signal = staticSignal(-60)
	}
	b.onConnectivity = func(s *state.State, online bool) {
		if online {
			Get[*Queue](s).FlushWhenOnline(s)
		}
	}

	rt := Get[*Router](s)
	rt.Handle(protocol.BridgeStatus, b.handleStatus)
	rt.Handle(protocol.BridgeElection, b.handleElection)
	rt.Handle(protocol.BridgeTakeover, b.handleTakeover)
	rt.Handle(protocol.BridgeCoordination, b.handleCoordination)

	cfg := s.LocalCfg.Bridge
	if cfg != nil && cfg.Enabled {
		b.isBridge = true
		// self-registration: our own record must be in our own table, since
		// broadcasts are never delivered back to their sender
		b.registerSelf(s)
		s.Env.RepeatTask(b.heartbeat, *cfg.HeartbeatInterval)
		s.Env.RepeatTask(b.checkInternetTask, *cfg.CheckDelay)
	}
	if cfg.CanParticipate() {
		s.Env.RepeatTask(b.monitor, state.BridgeMonitorDelay)
	}
	return nil
}

func (b *Bridge) Cleanup(s *state.State) error {
	if b.electionTask != nil {
		b.electionTask.Cancel()
	}
	return nil
}

// IsBridge reports whether this node acts as a bridge.
func (b *Bridge) IsBridge() bool { return b.isBridge }

func (b *Bridge) lock() bool { return b.mu.TryLockTimeout(state.LockTimeout) }

// registerSelf writes our own BridgeRecord directly into the local table,
// preserving a previously elected role.
func (b *Bridge) registerSelf(s *state.State) {
	if !b.lock() {
		s.Env.ScheduleTask(func(s *state.State) error {
			b.registerSelf(s)
			return nil
		}, time.Millisecond*10)
		return
	}
	defer b.mu.Unlock()
	self := s.LocalCfg.Id
	role := RoleStandby
	if prev, ok := b.known[self]; ok {
		role = prev.Role
	}
	b.known[self] = &BridgeRecord{
		NodeId:            self,
		Priority:          s.LocalCfg.Bridge.Priority,
		RSSI:              b.Signal.RSSI(),
		InternetConnected: b.internet,
		Role:              role,
		LastHeartbeat:     time.Now(),
		Uptime:            uint32(time.Since(b.bootTime) / time.Second),
	}
}

// heartbeat broadcasts our bridge status. Self-registration happens again
// before every broadcast so the local table never depends on loopback.
func (b *Bridge) heartbeat(s *state.State) error {
	b.registerSelf(s)
	return Get[*Router](s).SendPayload(s, protocol.BridgeStatus, protocol.BroadcastDest,
		protocol.RouteTreeBroadcast, protocol.BridgeStatusPayload{
			NodeId:            s.LocalCfg.Id,
			InternetConnected: b.internet,
			RSSI:              b.Signal.RSSI(),
			Uptime:            uint32(time.Since(b.bootTime) / time.Second),
			Timestamp:         uint32(time.Now().Unix()),
		})
}

// checkInternetTask probes the uplink off the main loop and dispatches the
// result back.
func (b *Bridge) checkInternetTask(s *state.State) error {
	cfg := s.LocalCfg.Bridge
	probe := b.CheckInternet
	if probe == nil {
		probe = func() bool { return probeInternet(cfg) }
	}
	go func() {
		online := probe()
		s.Dispatch(func(s *state.State) error {
			b.setInternet(s, online)
			return nil
		})
	}()
	return nil
}

// probeInternet verifies internet connectivity with a TCP dial to the check
// host, or an ICMP echo when configured.
func probeInternet(cfg *state.BridgeCfg) bool {
	if cfg.UseICMP {
		p, err := ping.New("0.0.0.0", "")
		if err != nil {
			return false
		}
		defer p.Close()
		addr, err := net.ResolveIPAddr("ip4", cfg.CheckHost)
		if err != nil {
			return false
		}
		_, err = p.PingAttempts(addr, *cfg.CheckTimeout, 1)
		return err == nil
	}
	conn, err := net.DialTimeout("tcp",
		fmt.Sprintf("%s:%d", cfg.CheckHost, cfg.CheckPort), *cfg.CheckTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (b *Bridge) setInternet(s *state.State, online bool) {
	if b.internet == online {
		return
	}
	b.internet = online
	s.Log.Info("internet connectivity changed", "online", online)
	b.registerSelf(s)
	wasOnline := b.anyHealthyInternet(s)
	if online || wasOnline {
		b.notifyConnectivity(s)
	}
}

func (b *Bridge) notifyConnectivity(s *state.State) {
	if b.onConnectivity != nil {
		b.onConnectivity(s, b.anyHealthyInternet(s))
	}
}

// NoteTopologyChange records whether the node still has mesh connections.
// When disconnected, stale bridge records remain usable: routing through the
// last known bridge beats routing through none once the mesh heals.
func (b *Bridge) NoteTopologyChange(s *state.State) {
	b.meshConnected = Get[*ConnMgr](s).HasConnections()
}

func (b *Bridge) seenRecently(key string) bool {
	if b.dedup.Get(key) != nil {
		return true
	}
	b.dedup.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return false
}

func (b *Bridge) handleStatus(s *state.State, env *protocol.Envelope, _ transport.Link) error {
	raw, err := protocol.DecodePayload(Get[*Router](s).Codec(), env.Type, env.Payload)
	if err != nil {
		s.Log.Warn("malformed bridge status", "error", err)
		return nil
	}
	st := raw.(*protocol.BridgeStatusPayload)
	if st.NodeId == s.LocalCfg.Id {
		return nil
	}
	if b.seenRecently(fmt.Sprintf("status/%d/%d", st.NodeId, st.Timestamp)) {
		return nil
	}
	if !b.lock() {
		return nil
	}
	hadInternet := b.anyHealthyInternetLocked()
	rec, ok := b.known[st.NodeId]
	if !ok {
		rec = &BridgeRecord{NodeId: st.NodeId, Priority: 5}
		b.known[st.NodeId] = rec
	}
	rec.InternetConnected = st.InternetConnected
	rec.RSSI = st.RSSI
	rec.Uptime = st.Uptime
	rec.GatewayAddr = st.GatewayAddr
	rec.LastHeartbeat = time.Now()
	hasInternet := b.anyHealthyInternetLocked()
	b.mu.Unlock()

	s.Log.Debug("bridge status", "node", st.NodeId, "internet", st.InternetConnected)
	b.meshConnected = true
	if hadInternet != hasInternet {
		b.notifyConnectivity(s)
	}
	// a healthy primary cancels a pending election attempt
	if b.hasHealthyPrimary() && b.electionTask != nil {
		b.electionTask.Cancel()
		b.electionTask = nil
	}
	return nil
}

// hasHealthyPrimary reports whether a primary-role bridge is alive and
// internet-connected. Its absence is what triggers elections.
func (b *Bridge) hasHealthyPrimary() bool {
	if !b.lock() {
		return true // can't tell, don't start an election on a guess
	}
	defer b.mu.Unlock()
	return b.hasHealthyPrimaryLocked()
}

func (b *Bridge) hasHealthyPrimaryLocked() bool {
	for _, rec := range b.known {
		if rec.Role == RolePrimary && rec.InternetConnected &&
			rec.Healthy(state.BridgeHealthTimeout) {
			return true
		}
	}
	return false
}

func (b *Bridge) handleElection(s *state.State, env *protocol.Envelope, _ transport.Link) error {
	raw, err := protocol.DecodePayload(Get[*Router](s).Codec(), env.Type, env.Payload)
	if err != nil {
		s.Log.Warn("malformed election announcement", "error", err)
		return nil
	}
	cand := raw.(*protocol.BridgeElectionPayload)
	if b.seenRecently(fmt.Sprintf("election/%d/%d", cand.NodeId, cand.Priority)) {
		return nil
	}
	if !b.lock() {
		return nil
	}
	rec, ok := b.known[cand.NodeId]
	if !ok {
		rec = &BridgeRecord{NodeId: cand.NodeId, LastHeartbeat: time.Now()}
		b.known[cand.NodeId] = rec
	}
	rec.Priority = cand.Priority
	rec.RSSI = cand.RSSI
	b.mu.Unlock()

	// answer with our own candidacy so every elector ranks the same set
	if b.isBridge && b.internet && cand.NodeId != s.LocalCfg.Id {
		self := b.selfRecord(s)
		if self != nil && rankBetter(self, rec) {
			return b.announceCandidacy(s)
		}
	}
	return nil
}

func (b *Bridge) handleTakeover(s *state.State, env *protocol.Envelope, _ transport.Link) error {
	raw, err := protocol.DecodePayload(Get[*Router](s).Codec(), env.Type, env.Payload)
	if err != nil {
		s.Log.Warn("malformed takeover notice", "error", err)
		return nil
	}
	to := raw.(*protocol.BridgeTakeoverPayload)
	if !b.lock() {
		return nil
	}
	demotedSelf := false
	for id, rec := range b.known {
		if id == to.NodeId {
			rec.Role = RolePrimary
		} else if rec.Role == RolePrimary {
			rec.Role = RoleSecondary
			if id == s.LocalCfg.Id {
				demotedSelf = true
			}
		}
	}
	if rec, ok := b.known[to.NodeId]; ok {
		rec.LastHeartbeat = time.Now()
	} else {
		b.known[to.NodeId] = &BridgeRecord{
			NodeId: to.NodeId, Role: RolePrimary, LastHeartbeat: time.Now(), Priority: 5,
		}
	}
	b.mu.Unlock()

	s.Log.Info("gateway takeover", "new", to.NodeId, "old", to.OldPrimary, "reason", to.Reason)
	if b.electionTask != nil {
		b.electionTask.Cancel()
		b.electionTask = nil
	}
	if demotedSelf && b.onRoleChange != nil {
		b.onRoleChange(RoleSecondary)
	}
	return nil
}

func (b *Bridge) handleCoordination(s *state.State, env *protocol.Envelope, _ transport.Link) error {
	raw, err := protocol.DecodePayload(Get[*Router](s).Codec(), env.Type, env.Payload)
	if err != nil {
		s.Log.Warn("malformed coordination table", "error", err)
		return nil
	}
	table := raw.(*protocol.BridgeCoordinationPayload)
	if !b.lock() {
		return nil
	}
	defer b.mu.Unlock()
	for _, r := range table.Ranks {
		rec, ok := b.known[r.NodeId]
		if !ok {
			rec = &BridgeRecord{NodeId: r.NodeId, LastHeartbeat: time.Now()}
			b.known[r.NodeId] = rec
		}
		rec.Priority = r.Priority
		rec.RSSI = r.RSSI
	}
	return nil
}

// monitor periodically checks gateway health. When no primary is both
// recently heartbeating and internet-connected, an election attempt is
// scheduled after a randomized jitter so simultaneous multi-node elections
// stay rare.
func (b *Bridge) monitor(s *state.State) error {
	if b.hasHealthyPrimary() {
		if b.electionTask != nil {
			b.electionTask.Cancel()
			b.electionTask = nil
		}
		return nil
	}
	if time.Since(b.started) < state.ElectionGracePeriod {
		return nil
	}
	if time.Since(b.lastElection) < state.ElectionCooldown {
		return nil
	}
	if !b.isBridge || !b.internet {
		return nil
	}
	if b.electionTask != nil {
		return nil // already pending
	}
	jitter := state.ElectionJitterMin +
		time.Duration(rand.Int63n(int64(state.ElectionJitterMax-state.ElectionJitterMin)))
	s.Log.Info("no healthy gateway, scheduling election", "jitter", jitter)
	b.electionTask = s.Env.ScheduleTask(b.runElection, jitter)
	return nil
}

func (b *Bridge) runElection(s *state.State) error {
	b.electionTask = nil
	// a primary may have taken over during the jitter window
	if b.hasHealthyPrimary() {
		return nil
	}
	b.lastElection = time.Now()

	if err := b.announceCandidacy(s); err != nil {
		return err
	}

	winner := b.elect(s)
	if winner == nil {
		return nil
	}
	if winner.NodeId == s.LocalCfg.Id {
		return b.takeover(s, "no healthy gateway")
	}
	return nil
}

func (b *Bridge) announceCandidacy(s *state.State) error {
	return Get[*Router](s).SendPayload(s, protocol.BridgeElection, protocol.BroadcastDest,
		protocol.RouteTreeBroadcast, protocol.BridgeElectionPayload{
			NodeId:   s.LocalCfg.Id,
			Priority: s.LocalCfg.Bridge.Priority,
			RSSI:     b.Signal.RSSI(),
		})
}

// takeover assumes the primary role and notifies the mesh, broadcasting the
// full priority table so every node ranks bridges identically.
func (b *Bridge) takeover(s *state.State, reason string) error {
	if !b.lock() {
		return nil
	}
	var old state.NodeId
	ranks := make([]protocol.BridgeRank, 0, len(b.known))
	for id, rec := range b.known {
		if rec.Role == RolePrimary && id != s.LocalCfg.Id {
			old = id
			rec.Role = RoleSecondary
		}
		ranks = append(ranks, protocol.BridgeRank{NodeId: id, Priority: rec.Priority, RSSI: rec.RSSI})
	}
	self := b.known[s.LocalCfg.Id]
	if self == nil {
		b.mu.Unlock()
		return nil
	}
	self.Role = RolePrimary
	b.mu.Unlock()

	s.Log.Info("assuming primary gateway role", "reason", reason)
	if b.onRoleChange != nil {
		b.onRoleChange(RolePrimary)
	}
	rt := Get[*Router](s)
	if err := rt.SendPayload(s, protocol.BridgeTakeover, protocol.BroadcastDest,
		protocol.RouteTreeBroadcast, protocol.BridgeTakeoverPayload{
			NodeId: s.LocalCfg.Id, OldPrimary: old, Reason: reason,
		}); err != nil {
		return err
	}
	if err := rt.SendPayload(s, protocol.BridgeCoordination, protocol.BroadcastDest,
		protocol.RouteTreeBroadcast, protocol.BridgeCoordinationPayload{Ranks: ranks}); err != nil {
		return err
	}
	b.notifyConnectivity(s)
	return nil
}

// rankBetter reports whether a outranks c: higher explicit priority first,
// less negative RSSI on priority ties, lower NodeId as the final
// deterministic tie-break so elections always converge.
func rankBetter(a, c *BridgeRecord) bool {
	if a.Priority != c.Priority {
		return a.Priority > c.Priority
	}
	if a.RSSI != c.RSSI {
		return a.RSSI > c.RSSI
	}
	return a.NodeId < c.NodeId
}

func (b *Bridge) selfRecord(s *state.State) *BridgeRecord {
	if !b.lock() {
		return nil
	}
	defer b.mu.Unlock()
	rec, ok := b.known[s.LocalCfg.Id]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// elect ranks the healthy internet-connected candidates under the
// configured strategy. The strategy only changes which healthy bridge is
// chosen, never the health rules.
func (b *Bridge) elect(s *state.State) *BridgeRecord {
	if !b.lock() {
		return nil
	}
	defer b.mu.Unlock()

	timeout := *s.LocalCfg.Bridge.FailureTimeout
	healthy := make([]*BridgeRecord, 0, len(b.known))
	for _, rec := range b.known {
		if rec.Healthy(timeout) && rec.InternetConnected {
			healthy = append(healthy, rec)
		}
	}
	if len(healthy) == 0 {
		return nil
	}

	switch s.LocalCfg.Bridge.Strategy {
	case state.StrategyRoundRobin:
		sort.Slice(healthy, func(i, j int) bool { return healthy[i].NodeId < healthy[j].NodeId })
		rec := healthy[b.rrIndex%len(healthy)]
		b.rrIndex++
		return rec
	case state.StrategySignal:
		sort.Slice(healthy, func(i, j int) bool {
			if healthy[i].RSSI != healthy[j].RSSI {
				return healthy[i].RSSI > healthy[j].RSSI
			}
			return healthy[i].NodeId < healthy[j].NodeId
		})
		return healthy[0]
	default:
		sort.Slice(healthy, func(i, j int) bool { return rankBetter(healthy[i], healthy[j]) })
		return healthy[0]
	}
}

func (b *Bridge) anyHealthyInternet(s *state.State) bool {
	if !b.lock() {
		return false
	}
	defer b.mu.Unlock()
	return b.anyHealthyInternetLocked()
}

func (b *Bridge) anyHealthyInternetLocked() bool {
	for _, rec := range b.known {
		if rec.InternetConnected && rec.Healthy(state.BridgeHealthTimeout) {
			return true
		}
	}
	return false
}

// PrimaryBridge returns the current primary gateway. The elected primary wins
// when healthy; otherwise the best healthy candidate is reported. When the
// node is cut off from the mesh entirely, the last known internet-connected
// bridge is returned, stale info being better than none.
func (b *Bridge) PrimaryBridge() (state.NodeId, bool) {
	if !b.lock() {
		return 0, false
	}
	defer b.mu.Unlock()

	var best *BridgeRecord
	for _, rec := range b.known {
		usable := rec.InternetConnected
		if b.meshConnected {
			usable = usable && rec.Healthy(state.BridgeHealthTimeout)
		}
		if !usable {
			continue
		}
		if rec.Role == RolePrimary {
			return rec.NodeId, true
		}
		if best == nil || rankBetter(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return 0, false
	}
	return best.NodeId, true
}

// BridgeList returns the node ids of all known bridges.
func (b *Bridge) BridgeList() []state.NodeId {
	if !b.lock() {
		return nil
	}
	defer b.mu.Unlock()
	out := make([]state.NodeId, 0, len(b.known))
	for id := range b.known {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Record returns a copy of the record for one bridge.
func (b *Bridge) Record(id state.NodeId) (BridgeRecord, bool) {
	if !b.lock() {
		return BridgeRecord{}, false
	}
	defer b.mu.Unlock()
	rec, ok := b.known[id]
	if !ok {
		return BridgeRecord{}, false
	}
	return *rec, true
}

// OnRoleChange registers a callback fired when this node's own role changes.
func (b *Bridge) OnRoleChange(fn func(self BridgeRole)) {
	b.onRoleChange = fn
}
