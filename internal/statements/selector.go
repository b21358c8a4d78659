package statements

import (
	"sort"
	"time"
)

const (
	// PairGap is the largest distance allowed between an account's TYPE_A and
	// TYPE_B files before the older one is dropped.
	PairGap = 24 * time.Hour

	// RecencyWindow is how far behind the globally newest file a kept file may be.
	RecencyWindow = 72 * time.Hour
)

// RejectReason explains why a name did not make it into the selection.
type RejectReason string

const (
	RejectUnparsable RejectReason = "unparsable"
	RejectSuperseded RejectReason = "superseded"
	RejectPairGap    RejectReason = "pair-gap"
	RejectStale      RejectReason = "stale"
)

// Rejection is one diagnostic entry of a selection pass.
type Rejection struct {
	RawName    string
	Descriptor *Descriptor
	Reason     RejectReason
	Detail     string
}

// SelectionResult is the outcome of one selection pass. Selected holds at most
// one descriptor per (account, statement type), ordered by account then type.
type SelectionResult struct {
	Selected []Descriptor
	Rejected []Rejection
}

// Select parses raw names and keeps the files that represent the current
// state of every account. It is a pure function of names: the order of the
// input does not affect the result.
func Select(p *Parser, names []string) SelectionResult {
	var result SelectionResult

	// 1. parse
	var parsed []Descriptor
	for _, name := range names {
		d, err := p.Parse(name)
		if err != nil {
			result.Rejected = append(result.Rejected, Rejection{
				RawName: name,
				Reason:  RejectUnparsable,
				Detail:  err.Error(),
			})
			continue
		}
		parsed = append(parsed, d)
	}

	// 2+3. newest per (account, type)
	winner := make(map[string]int)
	for i, d := range parsed {
		cur, ok := winner[d.Key()]
		if !ok || newer(d, parsed[cur]) {
			winner[d.Key()] = i
		}
	}
	latest := make(map[string]Descriptor, len(winner))
	for key, i := range winner {
		latest[key] = parsed[i]
	}
	for i, d := range parsed {
		if w := winner[d.Key()]; w != i {
			result.Rejected = append(result.Rejected, reject(d, RejectSuperseded, "newer file "+parsed[w].RawName))
		}
	}

	byAccount := make(map[string][]Descriptor)
	for _, d := range latest {
		byAccount[d.Account] = append(byAccount[d.Account], d)
	}

	// 4. pair gap
	var survivors []Descriptor
	for _, group := range byAccount {
		if len(group) == 2 {
			a, b := group[0], group[1]
			if absDuration(a.Timestamp.Sub(b.Timestamp)) > PairGap {
				keep, drop := a, b
				if newer(b, a) {
					keep, drop = b, a
				}
				result.Rejected = append(result.Rejected, reject(drop, RejectPairGap, "more than 1 day older than "+keep.RawName))
				survivors = append(survivors, keep)
				continue
			}
		}
		survivors = append(survivors, group...)
	}

	// 5. global newest
	var globalNewest time.Time
	for _, d := range survivors {
		if d.Timestamp.After(globalNewest) {
			globalNewest = d.Timestamp
		}
	}

	// 6. recency window
	cutoff := globalNewest.Add(-RecencyWindow)
	for _, d := range survivors {
		if d.Timestamp.Before(cutoff) {
			result.Rejected = append(result.Rejected, reject(d, RejectStale, "more than 3 days older than "+globalNewest.Format(time.RFC3339)))
			continue
		}
		result.Selected = append(result.Selected, d)
	}

	sort.Slice(result.Selected, func(i, j int) bool {
		return result.Selected[i].Key() < result.Selected[j].Key()
	})
	sort.Slice(result.Rejected, func(i, j int) bool {
		a, b := result.Rejected[i], result.Rejected[j]
		if a.RawName != b.RawName {
			return a.RawName < b.RawName
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return a.Detail < b.Detail
	})
	return result
}

// newer reports whether a should win over b: later timestamp, then the
// lexicographically greater raw name.
func newer(a, b Descriptor) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.RawName > b.RawName
}

func reject(d Descriptor, reason RejectReason, detail string) Rejection {
	dc := d
	return Rejection{RawName: d.RawName, Descriptor: &dc, Reason: reason, Detail: detail}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
