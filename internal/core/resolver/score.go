package resolver

import (
	"sort"
	"time"

	"github.com/dep2p/go-p2shell/pkg/types"
)

// ============================================================================
//                              候选地址评分
// ============================================================================

// 评分基数：直连 > 打洞 > 中继
const (
	scoreDirect = 300
	scorePunch  = 200
	scoreRelay  = 100

	// recencyBonusMax 新鲜度加成上限
	//
	// 加成随地址年龄线性衰减：刚观测到的地址 +50，
	// 到达新鲜度阈值时衰减为 0。
	recencyBonusMax = 50
)

// scoreCandidate 计算单个候选地址的优先级评分
func scoreCandidate(c types.CandidateAddress, now time.Time, threshold time.Duration) int {
	var base int
	switch c.Kind {
	case types.KindDirect:
		base = scoreDirect
	case types.KindPunch:
		base = scorePunch
	case types.KindRelay:
		base = scoreRelay
	}

	if threshold <= 0 {
		return base
	}
	age := now.Sub(c.ObservedAt)
	if age < 0 {
		age = 0
	}
	if age >= threshold {
		return base
	}
	bonus := recencyBonusMax - int(int64(recencyBonusMax)*int64(age)/int64(threshold))
	return base + bonus
}

// rank 去重、评分并按优先级降序排列候选地址
//
// 同一 (类型, 地址) 出现多次时保留观测时间最新的一条。
// 评分相同的候选按地址字典序排列，保证结果确定。
func rank(cands []types.CandidateAddress, now time.Time, threshold time.Duration) []types.CandidateAddress {
	merged := make(map[string]types.CandidateAddress, len(cands))
	for _, c := range cands {
		key := c.Key()
		if prev, ok := merged[key]; ok && !c.ObservedAt.After(prev.ObservedAt) {
			continue
		}
		merged[key] = c
	}

	out := make([]types.CandidateAddress, 0, len(merged))
	for _, c := range merged {
		c.Priority = scoreCandidate(c, now, threshold)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}
