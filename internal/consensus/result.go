package consensus

import (
	"cmp"
	"slices"
	"time"

	"collateraloracle/internal/attestation"
	"collateraloracle/internal/domain"
	id "collateraloracle/pkg/domain"
	dErrors "collateraloracle/pkg/domain-errors"
)

// Vote is one valid attestation after normalization.
type Vote struct {
	SourceID    id.SourceID
	Chain       id.ChainID
	Owner       string // normalized
	RawOwner    string
	BlockHeight uint64
	ObservedAt  time.Time
	Latency     time.Duration
}

// Exclusion records a source that did not contribute a vote.
type Exclusion struct {
	SourceID id.SourceID
	Category attestation.ErrorCategory
	Reason   string
}

// OwnerGroup is the set of sources that agree on one owner.
type OwnerGroup struct {
	Owner      string
	Count      int
	Percentage float64
	Sources    []id.SourceID
}

// AggregateResult is the outcome of one consensus query. It is populated
// even when the query is below threshold.
type AggregateResult struct {
	AssetID        id.AssetID
	AsOf           time.Time
	Owner          string // empty when the top groups tie exactly
	ConsensusLevel float64
	Authoritative  bool
	Reason         string
	Registered     int
	Queried        int
	Responded      int
	Groups         []OwnerGroup
	Votes          []Vote
	Excluded       []Exclusion
	Pending        []id.SourceID // not awaited after the outcome was settled
	Attestations   []*attestation.Attestation
	EarlyExit      bool
	Duration       time.Duration
}

// Contributing lists the sources in the majority group.
func (r AggregateResult) Contributing() []id.SourceID {
	if r.Owner == "" || len(r.Groups) == 0 {
		return nil
	}
	return slices.Clone(r.Groups[0].Sources)
}

// Record projects the result into an ownership snapshot.
func (r AggregateResult) Record(isEncumbered bool) domain.OwnershipRecord {
	return domain.OwnershipRecord{
		AssetID:             r.AssetID,
		Owner:               r.Owner,
		AsOf:                r.AsOf,
		ConsensusLevel:      r.ConsensusLevel,
		ContributingSources: r.Contributing(),
		IsEncumbered:        isEncumbered,
	}
}

// Signatures returns the signed attestations of the majority group.
func (r AggregateResult) Signatures() []domain.SourceSignature {
	majority := make(map[id.SourceID]struct{})
	for _, sid := range r.Contributing() {
		majority[sid] = struct{}{}
	}
	var out []domain.SourceSignature
	for _, att := range r.Attestations {
		if _, ok := majority[att.SourceID]; !ok || att.Signature == "" {
			continue
		}
		out = append(out, domain.SourceSignature{
			SourceID:  att.SourceID,
			Chain:     att.Chain,
			Owner:     att.Owner,
			Signature: att.Signature,
		})
	}
	return out
}

// AttestationFrom returns the attestation a source contributed, if any.
func (r AggregateResult) AttestationFrom(sid id.SourceID) (*attestation.Attestation, bool) {
	for _, att := range r.Attestations {
		if att.SourceID == sid {
			return att, true
		}
	}
	return nil, false
}

// IsBelowThreshold reports whether err is the below-threshold outcome. The
// accompanying AggregateResult is still populated.
func IsBelowThreshold(err error) bool {
	return dErrors.HasCode(err, dErrors.CodeConsensusBelowThreshold)
}

const reasonNoVotes = "no valid votes"

// tally groups votes by normalized owner: largest group first, ties broken
// by owner so the order is deterministic.
func tally(votes []Vote) []OwnerGroup {
	byOwner := make(map[string]*OwnerGroup)
	for _, v := range votes {
		g, ok := byOwner[v.Owner]
		if !ok {
			g = &OwnerGroup{Owner: v.Owner}
			byOwner[v.Owner] = g
		}
		g.Count++
		g.Sources = append(g.Sources, v.SourceID)
	}
	groups := make([]OwnerGroup, 0, len(byOwner))
	for _, g := range byOwner {
		slices.Sort(g.Sources)
		if len(votes) > 0 {
			g.Percentage = 100 * float64(g.Count) / float64(len(votes))
		}
		groups = append(groups, *g)
	}
	slices.SortFunc(groups, func(a, b OwnerGroup) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Owner, b.Owner)
	})
	return groups
}

// judgement is the verdict over a set of groups.
type judgement struct {
	owner         string
	level         float64
	authoritative bool
	reason        string
}

func judge(groups []OwnerGroup, responded int, cfg Config) judgement {
	if responded == 0 || len(groups) == 0 {
		return judgement{reason: reasonNoVotes}
	}
	top := groups[0]
	j := judgement{
		owner: top.Owner,
		level: 100 * float64(top.Count) / float64(responded),
	}
	second := 0
	if len(groups) > 1 {
		second = groups[1].Count
	}
	if second == top.Count {
		j.owner = ""
	}
	margin := 100 * float64(top.Count-second) / float64(responded)

	switch {
	case responded < cfg.MinResponders:
		j.reason = "too few sources responded"
	case j.level < cfg.QuorumThreshold:
		j.reason = "majority below quorum"
	case len(groups) > 1 && margin <= cfg.TieBand:
		j.reason = "top owners within tie band"
	default:
		j.authoritative = true
	}
	return j
}

// settled reports whether the outcome is authoritative whatever the
// outstanding sources answer: all of them are assumed to back the runner-up.
func settled(groups []OwnerGroup, responded, outstanding int, cfg Config) bool {
	if responded < cfg.MinResponders || len(groups) == 0 {
		return false
	}
	if outstanding == 0 {
		return judge(groups, responded, cfg).authoritative
	}
	worst := slices.Clone(groups)
	if len(worst) == 1 {
		worst = append(worst, OwnerGroup{})
	}
	worst[1].Count += outstanding
	if worst[1].Count >= worst[0].Count {
		return false
	}
	return judge(worst, responded+outstanding, cfg).authoritative
}
