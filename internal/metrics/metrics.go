package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// CallRecord summarizes one brokered call for the recent list.
type CallRecord struct {
	At      time.Time `json:"at"`
	App     string    `json:"app"`
	Callee  string    `json:"callee"`
	Outcome string    `json:"outcome"`
}

type Snapshot struct {
	GeneratedAt    time.Time         `json:"generated_at"`
	Sessions       SessionMetrics    `json:"sessions"`
	Events         EventMetrics      `json:"events"`
	Calls          CallMetrics       `json:"calls"`
	Profiles       ProfileMetrics    `json:"profiles"`
	RecvByType     map[string]uint64 `json:"recv_by_type"`
	DropByReason   map[string]uint64 `json:"drop_by_reason"`
	CurrentConns   int64             `json:"current_conns"`
	CurrentStreams int64             `json:"current_streams"`
	CheckedInApps  map[string]int64  `json:"checked_in_apps"`
	Recent         []CallRecord      `json:"recent"`
}

type SessionMetrics struct {
	Opened     uint64 `json:"opened"`
	Closed     uint64 `json:"closed"`
	Superseded uint64 `json:"superseded"`
	Online     int64  `json:"online"`
}

type EventMetrics struct {
	Delivered uint64 `json:"delivered"`
	Buffered  uint64 `json:"buffered"`
	Dropped   uint64 `json:"dropped"`
	Overflow  uint64 `json:"overflow"`
}

type CallMetrics struct {
	Placed   uint64 `json:"placed"`
	Answered uint64 `json:"answered"`
	Declined uint64 `json:"declined"`
	TimedOut uint64 `json:"timed_out"`
	Dropped  uint64 `json:"dropped"`
}

type ProfileMetrics struct {
	Registered   uint64 `json:"registered"`
	Unregistered uint64 `json:"unregistered"`
	Updated      uint64 `json:"updated"`
	Logins       uint64 `json:"logins"`
	Pairings     uint64 `json:"pairings"`
}

type Metrics struct {
	sessionsOpened     atomic.Uint64
	sessionsClosed     atomic.Uint64
	sessionsSuperseded atomic.Uint64
	sessionsOnline     atomic.Int64
	eventsDelivered    atomic.Uint64
	eventsBuffered     atomic.Uint64
	eventsDropped      atomic.Uint64
	eventsOverflow     atomic.Uint64
	callsPlaced        atomic.Uint64
	callsAnswered      atomic.Uint64
	callsDeclined      atomic.Uint64
	callsTimedOut      atomic.Uint64
	callsDropped       atomic.Uint64
	registered         atomic.Uint64
	unregistered       atomic.Uint64
	updated            atomic.Uint64
	logins             atomic.Uint64
	pairings           atomic.Uint64
	currentConns       atomic.Int64
	currentStreams     atomic.Int64
	recvByType         sync.Map
	dropByReason       sync.Map
	checkedIn          sync.Map
	recent             *CallRecent
}

func New() *Metrics {
	return &Metrics{recent: NewCallRecent(64)}
}

func (m *Metrics) SessionOpened() {
	m.sessionsOpened.Add(1)
	m.sessionsOnline.Add(1)
}

func (m *Metrics) SessionClosed() {
	m.sessionsClosed.Add(1)
	m.sessionsOnline.Add(-1)
}

func (m *Metrics) IncSessionSuperseded() { m.sessionsSuperseded.Add(1) }
func (m *Metrics) IncEventDelivered() { m.eventsDelivered.Add(1) }
func (m *Metrics) IncEventBuffered() { m.eventsBuffered.Add(1) }
func (m *Metrics) IncEventDropped() { m.eventsDropped.Add(1) }
func (m *Metrics) IncEventOverflow() { m.eventsOverflow.Add(1) }
func (m *Metrics) IncCallPlaced() { m.callsPlaced.Add(1) }
func (m *Metrics) IncCallDropped() { m.callsDropped.Add(1) }
func (m *Metrics) IncRegistered() { m.registered.Add(1) }
func (m *Metrics) IncUnregistered() { m.unregistered.Add(1) }
func (m *Metrics) IncUpdated() { m.updated.Add(1) }
func (m *Metrics) IncLogin() { m.logins.Add(1) }
func (m *Metrics) IncPairing() { m.pairings.Add(1) }

// CallOutcome counts a finished call and records it in the recent list.
// outcome is one of "answered", "declined" or "timeout".
func (m *Metrics) CallOutcome(app, callee, outcome string) {
	switch outcome {
	case "answered":
		m.callsAnswered.Add(1)
	case "declined":
		m.callsDeclined.Add(1)
	case "timeout":
		m.callsTimedOut.Add(1)
	}
	m.recent.Add(CallRecord{At: time.Now().UTC(), App: app, Callee: callee, Outcome: outcome})
}

func (m *Metrics) IncRecvByType(msgType string) {
	incMap(&m.recvByType, msgType)
}

func (m *Metrics) IncDropByReason(reason string) {
	incMap(&m.dropByReason, reason)
}

// AppCheckedIn counts one more session listening for calls to app.
func (m *Metrics) AppCheckedIn(app string) {
	v, _ := m.checkedIn.LoadOrStore(app, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func (m *Metrics) AppCheckedOut(app string) {
	if v, ok := m.checkedIn.Load(app); ok {
		v.(*atomic.Int64).Add(-1)
	}
}

func (m *Metrics) SetCurrentConns(n int64) { m.currentConns.Store(n) }
func (m *Metrics) AddCurrentConns(d int64) { m.currentConns.Add(d) }
func (m *Metrics) SetCurrentStreams(n int64) { m.currentStreams.Store(n) }
func (m *Metrics) AddCurrentStreams(d int64) { m.currentStreams.Add(d) }

func incMap(mp *sync.Map, key string) {
	if key == "" {
		key = "unknown"
	}
	v, _ := mp.LoadOrStore(key, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

func loadMap(mp *sync.Map) map[string]uint64 {
	out := map[string]uint64{}
	mp.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}

func loadGauges(mp *sync.Map) map[string]int64 {
	out := map[string]int64{}
	mp.Range(func(k, v any) bool {
		if n := v.(*atomic.Int64).Load(); n > 0 {
			out[k.(string)] = n
		}
		return true
	})
	return out
}

func (m *Metrics) Snapshot() Snapshot {
	recent := []CallRecord{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Sessions: SessionMetrics{
			Opened:     m.sessionsOpened.Load(),
			Closed:     m.sessionsClosed.Load(),
			Superseded: m.sessionsSuperseded.Load(),
			Online:     m.sessionsOnline.Load(),
		},
		Events: EventMetrics{
			Delivered: m.eventsDelivered.Load(),
			Buffered:  m.eventsBuffered.Load(),
			Dropped:   m.eventsDropped.Load(),
			Overflow:  m.eventsOverflow.Load(),
		},
		Calls: CallMetrics{
			Placed:   m.callsPlaced.Load(),
			Answered: m.callsAnswered.Load(),
			Declined: m.callsDeclined.Load(),
			TimedOut: m.callsTimedOut.Load(),
			Dropped:  m.callsDropped.Load(),
		},
		Profiles: ProfileMetrics{
			Registered:   m.registered.Load(),
			Unregistered: m.unregistered.Load(),
			Updated:      m.updated.Load(),
			Logins:       m.logins.Load(),
			Pairings:     m.pairings.Load(),
		},
		RecvByType:     loadMap(&m.recvByType),
		DropByReason:   loadMap(&m.dropByReason),
		CurrentConns:   m.currentConns.Load(),
		CurrentStreams: m.currentStreams.Load(),
		CheckedInApps:  loadGauges(&m.checkedIn),
		Recent:         recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type CallRecent struct {
	mu   sync.Mutex
	cap  int
	list []CallRecord
}

func NewCallRecent(capacity int) *CallRecent {
	if capacity <= 0 {
		capacity = 64
	}
	return &CallRecent{cap: capacity}
}

func (r *CallRecent) Add(c CallRecord) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = c
		return
	}
	r.list = append(r.list, c)
}

func (r *CallRecent) List() []CallRecord {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallRecord, len(r.list))
	copy(out, r.list)
	return out
}
