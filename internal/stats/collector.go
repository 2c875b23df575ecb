// internal/stats/collector.go
package stats

import (
	"maps"
	"runtime"
	"sync"
	"time"
)

// ChannelCounts tracks connections for one channel.
type ChannelCounts struct {
	Total   uint64 `json:"total"`
	Current int64  `json:"current"`
}

// Rates are averages over the process lifetime.
type Rates struct {
	ConnectionsPerMinute float64 `json:"connections_per_minute"`
	MessagesPerMinute    float64 `json:"messages_per_minute"`
	ErrorsPerMinute      float64 `json:"errors_per_minute"`
}

// Health summarizes whether the server looks well.
type Health struct {
	Status string   `json:"status"`
	Issues []string `json:"issues,omitempty"`
}

// Snapshot is a consistent copy of the collector's counters.
type Snapshot struct {
	StartedAt   time.Time                    `json:"started_at"`
	UptimeMs    int64                        `json:"uptime_ms"`
	Connections map[string]ChannelCounts     `json:"connections"`
	Messages    map[string]map[string]uint64 `json:"messages"`
	Errors      ErrorCounts                  `json:"errors"`
	Lobbies     LobbyCounts                  `json:"lobbies"`
	WebRTC      WebRTCCounts                 `json:"webrtc"`
	Memory      MemoryStats                  `json:"memory"`
	Rates       Rates                        `json:"rates"`
	Health      Health                       `json:"health"`
}

type ErrorCounts struct {
	Total  uint64            `json:"total"`
	ByCode map[string]uint64 `json:"by_code"`
}

type LobbyCounts struct {
	Created   uint64 `json:"created"`
	Destroyed uint64 `json:"destroyed"`
}

type WebRTCCounts struct {
	Attempted      uint64            `json:"attempted"`
	Failed         uint64            `json:"failed"`
	RelayFallbacks uint64            `json:"relay_fallbacks"`
	FailureReasons map[string]uint64 `json:"failure_reasons"`
}

type MemoryStats struct {
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	Goroutines int    `json:"goroutines"`
}

// Collector aggregates counters from the protocol handlers. It is also a Sink
// so lobby lifecycle events feed it directly.
type Collector struct {
	now     func() time.Time
	started time.Time

	mu          sync.Mutex
	connections map[string]*ChannelCounts
	messages    map[string]map[string]uint64
	errors      ErrorCounts
	lobbies     LobbyCounts
	webrtc      WebRTCCounts
}

func NewCollector() *Collector {
	c := &Collector{
		now:         time.Now,
		connections: make(map[string]*ChannelCounts),
		messages:    make(map[string]map[string]uint64),
		errors:      ErrorCounts{ByCode: make(map[string]uint64)},
		webrtc:      WebRTCCounts{FailureReasons: make(map[string]uint64)},
	}
	c.started = c.now()
	return c
}

func (c *Collector) RecordConnection(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc := c.channelLocked(channel)
	cc.Total++
	cc.Current++
}

func (c *Collector) RecordDisconnection(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc := c.channelLocked(channel)
	if cc.Current > 0 {
		cc.Current--
	}
}

func (c *Collector) channelLocked(channel string) *ChannelCounts {
	cc, ok := c.connections[channel]
	if !ok {
		cc = &ChannelCounts{}
		c.connections[channel] = cc
	}
	return cc
}

func (c *Collector) RecordMessage(channel, messageType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.messages[channel]
	if !ok {
		m = make(map[string]uint64)
		c.messages[channel] = m
	}
	m[messageType]++
}

func (c *Collector) RecordError(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors.Total++
	c.errors.ByCode[code]++
}

// Emit implements Sink.
func (c *Collector) Emit(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch e.Type {
	case EventLobbyCreated:
		c.lobbies.Created++
	case EventLobbyDestroyed:
		c.lobbies.Destroyed++
	case EventPeerOffer:
		c.webrtc.Attempted++
	case EventPeerFailed:
		c.webrtc.Failed++
		reason, _ := e.Data["reason"].(string)
		if reason == "" {
			reason = "unknown"
		}
		c.webrtc.FailureReasons[reason]++
	case EventRelayFallback:
		c.webrtc.RelayFallbacks++
	}
}

// Snapshot copies the counters. It holds the collector's lock only while
// copying, never while callers encode the result.
func (c *Collector) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	now := c.now()

	c.mu.Lock()
	s := Snapshot{
		StartedAt:   c.started,
		UptimeMs:    now.Sub(c.started).Milliseconds(),
		Connections: make(map[string]ChannelCounts, len(c.connections)),
		Messages:    make(map[string]map[string]uint64, len(c.messages)),
		Errors:      ErrorCounts{Total: c.errors.Total, ByCode: maps.Clone(c.errors.ByCode)},
		Lobbies:     c.lobbies,
		WebRTC: WebRTCCounts{
			Attempted:      c.webrtc.Attempted,
			Failed:         c.webrtc.Failed,
			RelayFallbacks: c.webrtc.RelayFallbacks,
			FailureReasons: maps.Clone(c.webrtc.FailureReasons),
		},
	}
	for ch, cc := range c.connections {
		s.Connections[ch] = *cc
	}
	for ch, m := range c.messages {
		s.Messages[ch] = maps.Clone(m)
	}
	c.mu.Unlock()

	s.Memory = MemoryStats{HeapAlloc: mem.HeapAlloc, HeapSys: mem.HeapSys, Goroutines: runtime.NumGoroutine()}
	s.Rates = rates(s, now.Sub(c.started))
	s.Health = health(s)
	return s
}

func rates(s Snapshot, uptime time.Duration) Rates {
	minutes := uptime.Minutes()
	if minutes <= 0 {
		return Rates{}
	}
	var conns, msgs uint64
	for _, cc := range s.Connections {
		conns += cc.Total
	}
	for _, m := range s.Messages {
		for _, n := range m {
			msgs += n
		}
	}
	return Rates{
		ConnectionsPerMinute: float64(conns) / minutes,
		MessagesPerMinute:    float64(msgs) / minutes,
		ErrorsPerMinute:      float64(s.Errors.Total) / minutes,
	}
}

func health(s Snapshot) Health {
	h := Health{Status: "healthy"}
	degrade := func(issue string, unhealthy bool) {
		h.Issues = append(h.Issues, issue)
		if unhealthy {
			h.Status = "unhealthy"
		} else if h.Status == "healthy" {
			h.Status = "degraded"
		}
	}

	if s.Memory.HeapSys > 0 {
		used := float64(s.Memory.HeapAlloc) / float64(s.Memory.HeapSys) * 100
		switch {
		case used > 90:
			degrade("High memory usage", true)
		case used > 75:
			degrade("Elevated memory usage", false)
		}
	}
	if s.WebRTC.Attempted > 0 {
		success := 100 - float64(s.WebRTC.Failed)/float64(s.WebRTC.Attempted)*100
		switch {
		case success < 50:
			degrade("Low WebRTC success rate", true)
		case success < 80:
			degrade("Reduced WebRTC success rate", false)
		}
	}
	switch {
	case s.Rates.ErrorsPerMinute > 10:
		degrade("High error rate", true)
	case s.Rates.ErrorsPerMinute > 5:
		degrade("Elevated error rate", false)
	}
	return h
}
