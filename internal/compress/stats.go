package compress

import (
	"math"
	"sync"
)

// Stats 汇总管线运行以来的压缩效果。
type Stats struct {
	TotalCompressions int     `json:"total_compressions"`
	TokensSaved       int     `json:"total_tokens_saved"`
	AverageRatio      float64 `json:"average_ratio"`
	AverageSavingsPct float64 `json:"average_savings_pct"`
}

type statsTracker struct {
	mu           sync.Mutex
	total        int
	tokensSaved  int
	averageRatio float64
}

// record 以增量平均的方式更新平均压缩比。
func (s *statsTracker) record(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.tokensSaved += res.TokensSaved()
	n := float64(s.total)
	s.averageRatio = (s.averageRatio*(n-1) + res.Ratio) / n
}

func (s *statsTracker) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Stats{
		TotalCompressions: s.total,
		TokensSaved:       s.tokensSaved,
		AverageRatio:      round(s.averageRatio, 3),
	}
	if s.total > 0 {
		out.AverageSavingsPct = round((1-s.averageRatio)*100, 1)
	}
	return out
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
