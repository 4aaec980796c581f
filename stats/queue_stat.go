package stats

// QueueStat 单个 channel 队列的占用情况
type QueueStat struct {
	Name  string  `json:"name"`
	Len   int     `json:"len"`
	Cap   int     `json:"cap"`
	Usage float64 `json:"usage"` // len/cap
}

func NewQueueStat(name string, length, capacity int) QueueStat {
	q := QueueStat{Name: name, Len: length, Cap: capacity}
	if capacity > 0 {
		q.Usage = float64(length) / float64(capacity)
	}
	return q
}
