package controller

import (
	"sort"
	"time"
)

// Offender is a source that scored at or above offenders.min_score.
type Offender struct {
	IP        string    `json:"ip"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	MaxScore  float64   `json:"max_score"`
	Hits      int       `json:"hits"`
}

// offenderSet tracks sources that receive posture presets. Not safe for
// concurrent use; the controller serializes access.
type offenderSet struct {
	ttl  time.Duration
	max  int
	byIP map[string]*Offender
}

func newOffenderSet(ttl time.Duration, max int) *offenderSet {
	return &offenderSet{ttl: ttl, max: max, byIP: make(map[string]*Offender)}
}

// track records a hit. It reports whether ip is newly tracked and, when the
// set was full, which offender was evicted to make room.
func (s *offenderSet) track(ip string, score float64, now time.Time) (added bool, evicted string) {
	if o, ok := s.byIP[ip]; ok {
		o.LastSeen = now
		o.Hits++
		if score > o.MaxScore {
			o.MaxScore = score
		}
		return false, ""
	}
	if s.max > 0 && len(s.byIP) >= s.max {
		evicted = s.oldest()
		delete(s.byIP, evicted)
	}
	s.byIP[ip] = &Offender{IP: ip, FirstSeen: now, LastSeen: now, MaxScore: score, Hits: 1}
	return true, evicted
}

func (s *offenderSet) oldest() string {
	var (
		ip   string
		seen time.Time
	)
	for k, o := range s.byIP {
		if ip == "" || o.LastSeen.Before(seen) || (o.LastSeen.Equal(seen) && k < ip) {
			ip, seen = k, o.LastSeen
		}
	}
	return ip
}

// expire drops offenders idle for longer than the TTL and returns them.
func (s *offenderSet) expire(now time.Time) []string {
	if s.ttl <= 0 {
		return nil
	}
	var out []string
	for ip, o := range s.byIP {
		if now.Sub(o.LastSeen) >= s.ttl {
			out = append(out, ip)
			delete(s.byIP, ip)
		}
	}
	sort.Strings(out)
	return out
}

// ips returns the tracked addresses in first-seen order.
func (s *offenderSet) ips() []string {
	list := s.list()
	out := make([]string, len(list))
	for i, o := range list {
		out[i] = o.IP
	}
	return out
}

func (s *offenderSet) list() []Offender {
	out := make([]Offender, 0, len(s.byIP))
	for _, o := range s.byIP {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].IP < out[j].IP
	})
	return out
}

func (s *offenderSet) clear() []string {
	ips := s.ips()
	s.byIP = make(map[string]*Offender)
	return ips
}

func (s *offenderSet) len() int { return len(s.byIP) }
