package device

// DefaultRSSIWindow is the number of samples averaged by a Device.
const DefaultRSSIWindow = 3

// MovingAverage is a fixed-size circular buffer average. It is not safe for
// concurrent use; Device guards it.
type MovingAverage struct {
	buf    []int
	next   int
	seeded bool
}

// NewMovingAverage returns an average over window samples. window < 1 is treated as 1.
func NewMovingAverage(window int) *MovingAverage {
	if window < 1 {
		window = 1
	}
	return &MovingAverage{buf: make([]int, window)}
}

// Add records a sample. The first sample fills every slot so the average starts
// at that value instead of ramping up from zero.
func (m *MovingAverage) Add(sample int) {
	if !m.seeded {
		for i := range m.buf {
			m.buf[i] = sample
		}
		m.seeded = true
		return
	}
	m.buf[m.next] = sample
	m.next = (m.next + 1) % len(m.buf)
}

// Value is the arithmetic mean of the buffered samples.
func (m *MovingAverage) Value() float64 {
	sum := 0
	for _, v := range m.buf {
		sum += v
	}
	return float64(sum) / float64(len(m.buf))
}

// Seeded reports whether any sample was added.
func (m *MovingAverage) Seeded() bool {
	return m.seeded
}

// SignalBucket maps a (smoothed) RSSI to a 0..3 strength bucket.
func SignalBucket(rssi int) int {
	switch {
	case rssi >= -39:
		return 3
	case rssi >= -59:
		return 2
	case rssi >= -84:
		return 1
	default:
		return 0
	}
}
