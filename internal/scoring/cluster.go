package scoring

import (
	"github.com/nexus-trading/lanetrader/internal/market"
)

// ---------------------------------------------------------------------------
// Holder clustering: union-find over funding and transfer links
// ---------------------------------------------------------------------------

type clusterResult struct {
	metric      Score
	count       int // clusters with two or more holders
	largestSize int
	reason      string
}

// cluster groups holders that share a funder or moved tokens between each
// other and returns the supply share of the largest group.
func (e *Engine) cluster(c market.CandidateToken) clusterResult {
	if !c.HasHolders || len(c.HolderBalances) == 0 {
		return clusterResult{reason: "no_holders"}
	}

	total := 0.0
	for _, h := range c.HolderBalances {
		if h.Wallet == "" || !validPct(h.Pct) {
			return clusterResult{reason: "bad_balance"}
		}
		total += h.Pct
	}
	if total > 100.5 {
		return clusterResult{reason: "balances_over_supply"}
	}

	uf := newUnionFind()
	for _, h := range c.HolderBalances {
		uf.add(h.Wallet)
	}
	for _, l := range c.HolderLinks {
		if l.From == "" || l.To == "" || l.From == l.To {
			continue
		}
		if !finite(l.AmountUSD) || l.AmountUSD < e.config.DustThresholdUSD {
			continue
		}
		if e.cutEdge(l.From, l.To) {
			continue
		}
		uf.union(l.From, l.To)
	}

	shares := make(map[string]float64)
	sizes := make(map[string]int)
	for _, h := range c.HolderBalances {
		root := uf.find(h.Wallet)
		shares[root] += h.Pct
		sizes[root]++
	}

	res := clusterResult{}
	best := -1.0
	for root, share := range shares {
		if sizes[root] >= 2 {
			res.count++
		}
		if share > best || (share == best && sizes[root] > res.largestSize) {
			best = share
			res.largestSize = sizes[root]
		}
	}
	res.metric = scored(best/100, 0, 1)
	return res
}

type unionFind struct {
	parent map[string]string
	rank   map[string]int
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string), rank: make(map[string]int)}
}

func (u *unionFind) add(x string) {
	if _, ok := u.parent[x]; !ok {
		u.parent[x] = x
	}
}

func (u *unionFind) find(x string) string {
	u.add(x)
	root := x
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[x] != root {
		next := u.parent[x]
		u.parent[x] = root
		x = next
	}
	return root
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
