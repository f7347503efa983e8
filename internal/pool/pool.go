// Package pool derives community alert pools from flat alert records.
package pool

import (
	"sort"
	"time"

	"coinbeat/internal/storage"
)

// Key identifies a pool.
type Key struct {
	CoinID    string            `json:"coinId"`
	AlertType storage.AlertType `json:"alertType"`
}

// Pool is the read-time aggregate of every record sharing a Key.
type Pool struct {
	Key
	TotalEggs  int64               `json:"totalEggs"`
	Status     storage.AlertStatus `json:"status"`
	Archived   bool                `json:"archived"`
	VerifiedAt *time.Time          `json:"verifiedAt"`
	Members    int                 `json:"members"`
	UserIDs    []string            `json:"userIds"`
}

// Filled reports whether the pool has reached size.
func (p Pool) Filled(size int64) bool {
	return p.TotalEggs >= size
}

// Policy controls which pools are displayed.
type Policy struct {
	MinEggs       int64
	VerifiedFresh time.Duration
}

// Aggregate groups records by (coin, alert type). Pools are returned in first-seen order.
// Verified dominates the derived status; otherwise pending wins over rejected.
func Aggregate(records []storage.AlertRecord) []Pool {
	index := make(map[Key]int)
	pools := make([]Pool, 0)

	for _, rec := range records {
		key := Key{CoinID: rec.CoinID, AlertType: rec.AlertType}
		i, ok := index[key]
		if !ok {
			i = len(pools)
			index[key] = i
			pools = append(pools, Pool{Key: key, Status: rec.Status})
		}
		p := &pools[i]

		p.TotalEggs += rec.EggsStaked
		p.Members++
		p.UserIDs = append(p.UserIDs, rec.UserID)
		p.Status = mergeStatus(p.Status, rec.Status)
		if rec.Archived {
			p.Archived = true
		}
		if rec.VerifiedAt != nil && (p.VerifiedAt == nil || rec.VerifiedAt.After(*p.VerifiedAt)) {
			at := *rec.VerifiedAt
			p.VerifiedAt = &at
		}
	}

	return pools
}

func mergeStatus(current, next storage.AlertStatus) storage.AlertStatus {
	rank := func(s storage.AlertStatus) int {
		switch s {
		case storage.StatusVerified:
			return 2
		case storage.StatusPending:
			return 1
		default:
			return 0
		}
	}
	if rank(next) > rank(current) {
		return next
	}
	return current
}

// Visible applies the display policy: pending pools at or above MinEggs, and verified
// pools whose verification is younger than VerifiedFresh.
func Visible(pools []Pool, policy Policy, now time.Time) []Pool {
	out := make([]Pool, 0, len(pools))
	for _, p := range pools {
		switch p.Status {
		case storage.StatusPending:
			if p.TotalEggs >= policy.MinEggs {
				out = append(out, p)
			}
		case storage.StatusVerified:
			if p.VerifiedAt != nil && now.Sub(*p.VerifiedAt) <= policy.VerifiedFresh {
				out = append(out, p)
			}
		}
	}
	return out
}

// SortByEggs orders pools by descending stake, then coin and type.
func SortByEggs(pools []Pool) {
	sort.SliceStable(pools, func(i, j int) bool {
		if pools[i].TotalEggs != pools[j].TotalEggs {
			return pools[i].TotalEggs > pools[j].TotalEggs
		}
		if pools[i].CoinID != pools[j].CoinID {
			return pools[i].CoinID < pools[j].CoinID
		}
		return pools[i].AlertType < pools[j].AlertType
	})
}

// TotalEggs sums the stake of a member list.
func TotalEggs(records []storage.AlertRecord) int64 {
	var total int64
	for _, rec := range records {
		total += rec.EggsStaked
	}
	return total
}
