package roster

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"time"

	"github.com/taihen/nsbench/pkg/kvstore"
	"github.com/taihen/nsbench/pkg/nameserver"
)

// healthSnapshot is the on-disk form of a finished standard health pass.
type healthSnapshot struct {
	CreatedAt time.Time                 `json:"created_at"`
	Servers   map[string]serverSnapshot `json:"servers"`
}

type serverSnapshot struct {
	Checks    []checkSnapshot `json:"checks"`
	Warnings  []string        `json:"warnings,omitempty"`
	Disabled  bool            `json:"disabled,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Hidden    bool            `json:"hidden,omitempty"`
	Failures  int             `json:"failures,omitempty"`
	Preferred bool            `json:"preferred,omitempty"`
}

type checkSnapshot struct {
	Test       string  `json:"test"`
	Broken     bool    `json:"broken,omitempty"`
	Warning    string  `json:"warning,omitempty"`
	DurationMs float64 `json:"duration_ms"`
}

// cacheKey identifies the roster composition, the sanity checks and the
// settings that shape the health pass result.
func (r *Roster) cacheKey() string {
	var all, secondary []string
	for _, ns := range r.servers {
		all = append(all, ns.IP())
		if !ns.IsPreferred() {
			secondary = append(secondary, ns.IP())
		}
	}
	sort.Strings(all)
	sort.Strings(secondary)
	composition := crc32.ChecksumIEEE([]byte(strings.Join(all, ",")))
	secondarySum := crc32.ChecksumIEEE([]byte(strings.Join(secondary, ",")))
	return fmt.Sprintf("health-%d-%d-%d-%08x-%08x-%08x",
		len(all), r.cfg.TargetCount, r.cfg.HealthTimeout.Milliseconds(), composition, secondarySum,
		sanityChecksum(r.cfg.SanityChecks))
}

func sanityChecksum(checks []nameserver.SanityCheck) uint32 {
	var b strings.Builder
	for _, c := range checks {
		fmt.Fprintf(&b, "%d %s %t %s;", c.Type, c.Name, c.Sensitive, strings.Join(c.Expected, ","))
	}
	return crc32.ChecksumIEEE([]byte(b.String()))
}

// loadHealthCache restores a fresh snapshot for key. Members missing from the
// snapshot were trimmed when it was taken and are dropped again.
func (r *Roster) loadHealthCache(key string) bool {
	if r.cfg.Store == nil {
		return false
	}
	log := r.log.WithField("key", key)
	data, err := r.cfg.Store.Get(key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNoSuchKey) {
			log.WithError(err).Warn("reading health cache")
		}
		return false
	}
	var snap healthSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.WithError(err).Warn("ignoring unreadable health cache")
		return false
	}
	if age := r.cfg.Clock.Now().Sub(snap.CreatedAt); age < 0 || age > r.cfg.CacheMaxAge {
		log.WithField("age", age).Debug("health cache expired")
		return false
	}

	var kept []*nameserver.NameServer
	for _, ns := range r.servers {
		s, ok := snap.Servers[ns.IP()]
		if !ok {
			continue
		}
		checks := make([]nameserver.CheckRecord, len(s.Checks))
		for i, c := range s.Checks {
			checks[i] = nameserver.CheckRecord{
				Test:     c.Test,
				Broken:   c.Broken,
				Warning:  c.Warning,
				Duration: time.Duration(c.DurationMs * float64(time.Millisecond)),
			}
		}
		ns.Restore(nameserver.HealthState{
			Checks:   checks,
			Warnings: s.Warnings,
			Disabled: s.Disabled,
			Reason:   s.Reason,
			Hidden:   s.Hidden,
			Failures: s.Failures,
		})
		if s.Preferred {
			ns.AddTags(nameserver.TagPreferred)
		} else {
			ns.RemoveTag(nameserver.TagPreferred)
		}
		kept = append(kept, ns)
	}
	if len(kept) == 0 {
		return false
	}
	r.setMembers(kept)
	log.WithField("servers", len(kept)).Info("reusing cached health check results")
	return true
}

func (r *Roster) saveHealthCache(key string) {
	if r.cfg.Store == nil {
		return
	}
	snap := healthSnapshot{
		CreatedAt: r.cfg.Clock.Now(),
		Servers:   make(map[string]serverSnapshot, len(r.servers)),
	}
	for _, ns := range r.servers {
		st := ns.HealthState()
		s := serverSnapshot{
			Warnings:  st.Warnings,
			Disabled:  st.Disabled,
			Reason:    st.Reason,
			Hidden:    st.Hidden,
			Failures:  st.Failures,
			Preferred: ns.IsPreferred(),
		}
		for _, c := range st.Checks {
			s.Checks = append(s.Checks, checkSnapshot{
				Test:       c.Test,
				Broken:     c.Broken,
				Warning:    c.Warning,
				DurationMs: nameserver.Ms(c.Duration),
			})
		}
		snap.Servers[ns.IP()] = s
	}
	data, err := json.Marshal(snap)
	if err != nil {
		r.log.WithError(err).Warn("encoding health cache")
		return
	}
	if err := r.cfg.Store.Set(key, data); err != nil {
		r.log.WithError(err).Warn("writing health cache")
	}
}
