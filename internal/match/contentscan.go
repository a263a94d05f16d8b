package match

import (
	"strings"

	"github.com/quorralabs/tabula/internal/engine"
	"github.com/quorralabs/tabula/internal/tablestore"
)

// TableRank orders candidate tables by how strongly they were verified
// to contain the queried entities.
type TableRank struct {
	// Hits is the candidate list reordered: coverage-verified tables
	// first, then content-scan promotions, then the unverified rest.
	Hits []engine.TableHit
	// Verified marks row-store refs confirmed by coverage or scan.
	Verified map[string]bool
	// Fallback is true when no table anywhere was verified and the
	// whole candidate set is being used at reduced confidence.
	Fallback bool
	// Results holds the best per-entity match outcome, including any
	// "did you mean" suggestion.
	Results []Result
}

// RankTables buckets candidate tables by entity verification. Coverage
// lists are best-effort supersets, so tables that miss on coverage are
// not discarded; they drop to an unknown bucket and get a bounded scan
// of their actual rows before any table is written off.
func (m *Matcher) RankTables(
	entities []string,
	hits []engine.TableHit,
	coverage func(engine.TableHit) []string,
	load func(ref string, maxRows int) (tablestore.Table, error),
) TableRank {
	rank := TableRank{Verified: make(map[string]bool)}
	if len(hits) == 0 {
		return rank
	}
	if len(entities) == 0 {
		rank.Hits = hits
		return rank
	}

	var verified, unknown []engine.TableHit
	bestByEntity := make(map[string]Result)
	for _, hit := range hits {
		matched := false
		for _, ent := range entities {
			res, ok := m.MatchEntity(ent, coverage(hit))
			if !ok {
				continue
			}
			matched = true
			if prev, seen := bestByEntity[ent]; !seen || res.Score > prev.Score {
				bestByEntity[ent] = res
			}
		}
		if matched {
			verified = append(verified, hit)
			rank.Verified[hit.RowStore] = true
		} else {
			unknown = append(unknown, hit)
		}
	}

	// Unknown bucket: scan the real rows before giving up on a table.
	var promoted, rest []engine.TableHit
	for _, hit := range unknown {
		if load != nil && m.scanContains(entities, hit, load) {
			promoted = append(promoted, hit)
			rank.Verified[hit.RowStore] = true
		} else {
			rest = append(rest, hit)
		}
	}

	rank.Hits = append(rank.Hits, verified...)
	rank.Hits = append(rank.Hits, promoted...)
	rank.Hits = append(rank.Hits, rest...)
	if len(verified)+len(promoted) == 0 {
		rank.Fallback = true
	}
	for _, ent := range entities {
		if res, ok := bestByEntity[ent]; ok {
			rank.Results = append(rank.Results, res)
		} else {
			rank.Results = append(rank.Results, Result{Entity: ent, Method: MethodNone})
		}
	}
	return rank
}

func (m *Matcher) scanContains(entities []string, hit engine.TableHit, load func(string, int) (tablestore.Table, error)) bool {
	tbl, err := load(hit.RowStore, m.scanRows)
	if err != nil {
		return false
	}
	norms := make([]string, 0, len(entities))
	for _, e := range entities {
		if n := Normalize(e); n != "" {
			norms = append(norms, n)
		}
	}
	if len(norms) == 0 {
		return false
	}
	for _, row := range tbl.Rows {
		for i, cell := range row {
			if i >= m.scanCols {
				break
			}
			cn := Normalize(cell)
			if cn == "" {
				continue
			}
			for _, n := range norms {
				if strings.Contains(cn, n) {
					return true
				}
			}
		}
	}
	return false
}
