package execution

import "time"

// Stats 聚合执行状态，常用于仪表盘或健康检查。
type Stats struct {
	Total     int       `json:"total"`
	Pending   int       `json:"pending"`
	Running   int       `json:"running"`
	Completed int       `json:"completed"`
	Failed    int       `json:"failed"`
	Oldest    time.Time `json:"oldest,omitempty"`
	Newest    time.Time `json:"newest,omitempty"`
}

func (s *Stats) add(rec *Record) {
	s.Total++
	switch rec.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusCompleted:
		s.Completed++
	case StatusFailed:
		s.Failed++
	}
	if s.Oldest.IsZero() || rec.CreatedAt.Before(s.Oldest) {
		s.Oldest = rec.CreatedAt
	}
	if rec.CreatedAt.After(s.Newest) {
		s.Newest = rec.CreatedAt
	}
}
