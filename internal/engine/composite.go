package engine

import (
	"math"
	"sort"
	"time"

	"riverwatch/internal/types"
)

// syncBucket collects confirmed signals for one discharge point within one
// synchronization-tolerance interval. At most one signal per sensor is kept;
// a repeat within the bucket replaces the earlier one when its event time is
// newer.
type syncBucket struct {
	start   int64 // bucket start, unix milliseconds
	signals map[string]types.AnomalySignal
}

// pointState is the per-discharge-point join state.
type pointState struct {
	open map[int64]*syncBucket
	// closedThrough is the highest bucket start already emitted. Signals
	// landing at or below it, whose bucket is no longer open, are late
	// arrivals and are discarded.
	closedThrough int64
	// watermark is the highest bucket start that has seen any signal.
	watermark int64
}

// CompositeScorer is the pipeline's single synchronization point. It joins
// confirmed per-sensor signals into time-aligned buckets per discharge point
// and fuses each bucket into one multivariate CompositeEvent.
//
// Bucket lifecycle, fully event-time driven so replay is deterministic:
//   - A bucket emits immediately once every member sensor of the group has
//     contributed (complete event).
//   - Otherwise it emits when the point's watermark advances two bucket
//     widths past it (synchronization timeout): the event is emitted from
//     whatever signals are present and annotated Partial, with the absent
//     members listed. This is the bounded-timeout policy; nothing blocks
//     indefinitely waiting for a straggler.
//   - A signal for an already-emitted bucket is a late arrival: discarded
//     and reported, never fatal.
type CompositeScorer struct {
	groups    map[string][]string
	memberOf  map[string]string // sensor_id -> discharge point
	tolerance time.Duration
	points    map[string]*pointState
}

// NewCompositeScorer creates a scorer for the configured sensor groups and
// synchronization tolerance.
func NewCompositeScorer(groups map[string][]string, tolerance time.Duration) *CompositeScorer {
	memberOf := make(map[string]string)
	for point, members := range groups {
		for _, sensorID := range members {
			memberOf[sensorID] = point
		}
	}
	return &CompositeScorer{
		groups:    groups,
		memberOf:  memberOf,
		tolerance: tolerance,
		points:    make(map[string]*pointState),
	}
}

// Observe routes one confirmed signal into its discharge point's join.
// It returns any CompositeEvents this observation caused to emit (a
// completed bucket, plus older buckets whose timeout the watermark just
// crossed), and late=true when the signal arrived for an already-emitted
// bucket and was discarded.
//
// Signals from sensors that belong to no configured group are dropped
// silently; the pipeline counts them upstream.
func (s *CompositeScorer) Observe(sig types.AnomalySignal) (events []types.CompositeEvent, late bool) {
	point, ok := s.memberOf[sig.SensorID]
	if !ok {
		return nil, false
	}

	ps, ok := s.points[point]
	if !ok {
		ps = &pointState{open: make(map[int64]*syncBucket), closedThrough: -1, watermark: -1}
		s.points[point] = ps
	}

	start := s.bucketStart(sig.EventTime)

	bucket, isOpen := ps.open[start]
	if !isOpen {
		if start <= ps.closedThrough {
			return nil, true
		}
		bucket = &syncBucket{start: start, signals: make(map[string]types.AnomalySignal)}
		ps.open[start] = bucket
	}

	if prev, dup := bucket.signals[sig.SensorID]; !dup || sig.EventTime.After(prev.EventTime) {
		bucket.signals[sig.SensorID] = sig
	}
	if start > ps.watermark {
		ps.watermark = start
	}

	// Complete bucket: every group member reported. Emit immediately.
	if len(bucket.signals) == len(s.groups[point]) {
		events = append(events, s.buildEvent(point, bucket))
		delete(ps.open, start)
		if start > ps.closedThrough {
			ps.closedThrough = start
		}
	}

	// Timeout: buckets two widths behind the watermark close as partial.
	events = append(events, s.expire(point, ps)...)

	return events, false
}

// expire emits, in bucket order, every open bucket whose timeout the
// watermark has crossed.
func (s *CompositeScorer) expire(point string, ps *pointState) []types.CompositeEvent {
	tolMS := s.tolerance.Milliseconds()
	cutoff := ps.watermark - 2*tolMS

	var due []int64
	for start := range ps.open {
		if start <= cutoff {
			due = append(due, start)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })

	events := make([]types.CompositeEvent, 0, len(due))
	for _, start := range due {
		events = append(events, s.buildEvent(point, ps.open[start]))
		delete(ps.open, start)
		if start > ps.closedThrough {
			ps.closedThrough = start
		}
	}
	return events
}

// Flush drains every remaining open bucket, in deterministic
// (discharge point, bucket start) order. Called on pipeline shutdown so
// confirmed-but-unemitted composites are never lost.
func (s *CompositeScorer) Flush() []types.CompositeEvent {
	var points []string
	for point, ps := range s.points {
		if len(ps.open) > 0 {
			points = append(points, point)
		}
	}
	sort.Strings(points)

	var events []types.CompositeEvent
	for _, point := range points {
		ps := s.points[point]
		starts := make([]int64, 0, len(ps.open))
		for start := range ps.open {
			starts = append(starts, start)
		}
		sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
		for _, start := range starts {
			events = append(events, s.buildEvent(point, ps.open[start]))
			delete(ps.open, start)
			if start > ps.closedThrough {
				ps.closedThrough = start
			}
		}
	}
	return events
}

// OpenBuckets reports the number of in-flight join buckets across all
// discharge points; exposed for the ops status endpoint.
func (s *CompositeScorer) OpenBuckets() int {
	n := 0
	for _, ps := range s.points {
		n += len(ps.open)
	}
	return n
}

// bucketStart truncates an event time to its tolerance-aligned bucket start.
func (s *CompositeScorer) bucketStart(at time.Time) int64 {
	tolMS := s.tolerance.Milliseconds()
	return at.UnixMilli() / tolMS * tolMS
}

// buildEvent fuses one bucket into a CompositeEvent.
//
// composite_score = sqrt(mean(z_i^2)) over the bucket's signals: the
// root-mean-square of normalized deviations, so metrics with different units
// are already comparable. With exactly one contributor the score equals that
// sensor's |z|; downstream consumers distinguish genuinely multivariate
// events via the contributor count.
//
// top_contributor is the sensor with the largest |z|; ties break to the
// lexicographically smallest sensor_id for determinism.
func (s *CompositeScorer) buildEvent(point string, bucket *syncBucket) types.CompositeEvent {
	signals := make([]types.AnomalySignal, 0, len(bucket.signals))
	for _, sig := range bucket.signals {
		signals = append(signals, sig)
	}
	sort.Slice(signals, func(i, j int) bool { return signals[i].SensorID < signals[j].SensorID })

	var sumSq float64
	var windowTS time.Time
	top := signals[0]
	for _, sig := range signals {
		sumSq += sig.ZScore * sig.ZScore
		if sig.EventTime.After(windowTS) {
			windowTS = sig.EventTime
		}
		if math.Abs(sig.ZScore) > math.Abs(top.ZScore) {
			top = sig
		}
	}

	var missing []string
	for _, member := range s.groups[point] {
		if _, present := bucket.signals[member]; !present {
			missing = append(missing, member)
		}
	}
	sort.Strings(missing)

	return types.CompositeEvent{
		DischargePointID:    point,
		WindowTimestamp:     windowTS,
		ContributingSignals: signals,
		CompositeScore:      math.Sqrt(sumSq / float64(len(signals))),
		TopContributor:      top.SensorID,
		AttributionDetail:   attributionDetail(signals, sumSq),
		MissingSensors:      missing,
		Partial:             len(missing) > 0,
	}
}

// attributionDetail assigns each contributor its share of the composite,
// fraction_i = z_i^2 / sum(z_j^2), rounded to three decimals. All-zero
// signals (possible only in synthetic streams) split the mass evenly.
func attributionDetail(signals []types.AnomalySignal, sumSq float64) map[string]float64 {
	fractions := make(map[string]float64, len(signals))
	if sumSq <= 0 {
		even := math.Round(1000.0/float64(len(signals))) / 1000.0
		for _, sig := range signals {
			fractions[sig.SensorID] = even
		}
		return fractions
	}
	for _, sig := range signals {
		fractions[sig.SensorID] = math.Round(sig.ZScore*sig.ZScore/sumSq*1000.0) / 1000.0
	}
	return fractions
}
