package ble

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const unknownScaleName = "Unknown Scale"

// PeripheralIdentity is a scale seen during discovery.
type PeripheralIdentity struct {
	Address        string
	Name           string
	SignalStrength int // dBm
	LastSeenAt     time.Time
}

// DisplayName returns Name, or "Unknown Scale" when the peripheral did not
// advertise one.
func (p PeripheralIdentity) DisplayName() string {
	if strings.TrimSpace(p.Name) == "" {
		return unknownScaleName
	}
	return p.Name
}

// SignalQuality buckets SignalStrength for display.
func (p PeripheralIdentity) SignalQuality() string {
	switch {
	case p.SignalStrength > -60:
		return "Excellent"
	case p.SignalStrength > -70:
		return "Good"
	case p.SignalStrength > -80:
		return "Fair"
	default:
		return "Poor"
	}
}

// ScanSession collects advertisements for one scan, keyed by address.
// Repeat sightings refresh signal strength and last-seen time.
type ScanSession struct {
	now func() time.Time

	mu    sync.Mutex
	seen  map[string]*PeripheralIdentity
	order []string
}

// NewScanSession returns an empty session.
func NewScanSession() *ScanSession {
	return &ScanSession{
		now:  time.Now,
		seen: make(map[string]*PeripheralIdentity),
	}
}

// Observe records an advertisement. It reports true on first sighting.
func (s *ScanSession) Observe(address, name string, rssi int) bool {
	key := strings.ToUpper(address)

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.seen[key]; ok {
		p.SignalStrength = rssi
		p.LastSeenAt = s.now()
		if p.Name == "" {
			p.Name = name
		}
		return false
	}

	s.seen[key] = &PeripheralIdentity{
		Address:        address,
		Name:           name,
		SignalStrength: rssi,
		LastSeenAt:     s.now(),
	}
	s.order = append(s.order, key)

	return true
}

// Results returns the peripherals seen, strongest signal first.
func (s *ScanSession) Results() []PeripheralIdentity {
	s.mu.Lock()
	out := make([]PeripheralIdentity, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, *s.seen[k])
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SignalStrength > out[j].SignalStrength
	})

	return out
}

// Len returns the number of distinct peripherals seen.
func (s *ScanSession) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.seen)
}
