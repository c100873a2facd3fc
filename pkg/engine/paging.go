package engine

import (
	"sort"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/aetf/execengine/pkg/resource"
)

// PagingController resolves a no-progress, memory-constrained iteration by
// asking sessions, largest consumer first (and never the single largest
// consumer), to page part of their allocation from src to dst, falling back
// to force-evicting a session outright if nobody can.
type PagingController struct {
	log     logger.Logger
	monitor *resource.Monitor
}

// NewPagingController creates a PagingController that stages candidate
// reservations through monitor.
func NewPagingController(monitor *resource.Monitor) *PagingController {
	p := &PagingController{monitor: monitor}
	config.InitLogger(&p.log, p)
	return p
}

type pagingCandidate struct {
	session *SessionItem
	usage   resource.Map
}

// Page attempts to free memory of kind Memory on src by paging it onto dst.
// It returns true if it succeeded, either by having a session volunteer a
// ticket or by force-evicting a session. sessions need not be pre-sorted.
func (p *PagingController) Page(sessions []*SessionItem, src, dst resource.Device) bool {
	if len(sessions) <= 1 {
		p.log.Error("Out of memory with only one session; nothing to page.")
		return false
	}

	srcKey := resource.Key{Kind: resource.Memory, Device: src}
	sorted := p.sortedCandidates(sessions, srcKey)

	// The largest consumer is preserved; paging starts from the next one.
	for i := 1; i < len(sorted); i++ {
		session := sorted[i].session

		tickets := session.Tickets()
		if len(tickets) == 0 {
			// Tickets() spans every device, not just src, so a session with
			// none here may still not be representative of later candidates.
			continue
		}

		cb, ok := session.PagingCallbacks()
		if !ok {
			continue
		}

		victims := p.monitor.SortVictim(tickets)
		for _, victim := range victims {
			req := resource.Map{{Kind: resource.Memory, Device: dst}: victim.Usage}

			ctx := resource.NewContext(session, p.monitor)
			staged, missing := ctx.InitializeStaging(dst, req)
			if !staged {
				p.log.Error("Not enough %s memory for paging: need %s, missing %s",
					dst, victim.Usage.String(), missing.String())
				return false
			}

			released := cb.Volunteer(victim.Ticket, ctx)
			if released > 0 {
				p.log.Debug("Released %d bytes via paging from session %s ticket %d", released, session.Handle, victim.Ticket)
				return true
			}

			ctx.ReleaseStaging()
		}
	}

	p.log.Error("All paging requests failed; attempting to force-evict a session.")

	// The largest consumer is preserved here too: force-eviction is a last
	// resort against one of the smaller sessions, never the one session
	// everyone else is staged to page memory onto.
	for _, c := range sorted[1:] {
		session := c.session
		cb, ok := session.PagingCallbacks()
		if !ok {
			continue
		}

		session.SetProtectOOM(false)
		session.SetForceEvicted(true)

		p.log.Warn("Force-evicting session %s with usage %s", session.Handle, c.usage.String())
		cb.ForceEvicted()
		return true
	}

	p.log.Error("Nothing available to force-evict.")
	return false
}

func (p *PagingController) sortedCandidates(sessions []*SessionItem, key resource.Key) []pagingCandidate {
	candidates := make([]pagingCandidate, 0, len(sessions))
	for _, s := range sessions {
		candidates = append(candidates, pagingCandidate{session: s, usage: resource.Map{key: s.ResourceUsage(key)}})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].usage.Get(key).GreaterThan(candidates[j].usage.Get(key))
	})

	return candidates
}
