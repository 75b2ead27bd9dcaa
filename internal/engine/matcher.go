package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/trifone/trifone/internal/fingerprint"
)

// QueryResult describes one admitted match between a query and a stored
// resource.
type QueryResult struct {
	QueryPath  string
	QueryStart float64
	QueryStop  float64

	RefPath  string
	RefID    int32
	RefStart float64
	RefStop  float64

	Score           int
	TimeFactor      float64
	FrequencyFactor float64
	// PercentOfSecondsWithMatches is the fraction of reference seconds in
	// [RefStart, RefStop) holding at least one filtered hit.
	PercentOfSecondsWithMatches float64
}

// QueryOutcome carries the ranked results of one query. Cancelled is set when
// a deadline expired mid-match; Results then holds what was collected up to
// that point, never partial duplicates.
type QueryOutcome struct {
	Results   []QueryResult
	Cancelled bool
}

// match is one hash hit attributed to a query fingerprint.
type match struct {
	identifier      int32
	matchTime       int32 // t1 in the stored resource
	queryTime       int32 // t1 in the query
	originalHash    uint64
	matchedNearHash uint64
}

func (m match) deltaT() int32 { return m.matchTime - m.queryTime }

// Query matches a whole query resource against the index. Resources in avoid
// are excluded. At most maxResults results are returned, best score first.
func (s *Strategy) Query(ctx context.Context, path string, maxResults int, avoid map[int32]struct{}) (*QueryOutcome, error) {
	return s.query(ctx, path, maxResults, avoid, 0, maxTime)
}

// QueryRange matches the [start, start+duration) window of a query resource.
func (s *Strategy) QueryRange(ctx context.Context, path string, maxResults int, avoid map[int32]struct{}, start, duration float64) (*QueryOutcome, error) {
	return s.query(ctx, path, maxResults, avoid, start, duration)
}

func (s *Strategy) query(ctx context.Context, path string, maxResults int, avoid map[int32]struct{}, start, duration float64) (*QueryOutcome, error) {
	queryPath := path
	if duration != maxTime {
		queryPath = fmt.Sprintf("%s-%g_%g", path, start, start+duration)
	}

	prints, err := s.fingerprints(ctx, path, start, duration)
	if err != nil {
		return nil, err
	}

	printMap := make(map[uint64]fingerprint.Fingerprint, len(prints))
	for _, print := range prints {
		if _, seen := printMap[print.Hash]; !seen {
			s.db.AddToQueryQueue(print.Hash)
		}
		printMap[print.Hash] = print
	}

	accumulator, err := s.db.ProcessQueryQueue(ctx, s.cfg.QueryRange, avoid)
	if err != nil && !isDeadline(err) {
		return nil, err
	}
	cancelled := isDeadline(err)
	s.log.Infof("Query for %d prints, %d matching hashes", len(printMap), len(accumulator))

	hitsPerIdentifier := make(map[int32][]match)
	for hash, dbHits := range accumulator {
		queryTime := int32(printMap[hash].T1())
		for _, dbHit := range dbHits {
			hitsPerIdentifier[dbHit.ResourceID] = append(hitsPerIdentifier[dbHit.ResourceID], match{
				identifier:      dbHit.ResourceID,
				matchTime:       dbHit.T,
				queryTime:       queryTime,
				originalHash:    dbHit.OriginalHash,
				matchedNearHash: dbHit.MatchedNearHash,
			})
		}
	}

	for identifier, hitList := range hitsPerIdentifier {
		if len(hitList) < s.cfg.MinHitsUnfiltered {
			delete(hitsPerIdentifier, identifier)
		}
	}

	var results []QueryResult
	for identifier, hitList := range hitsPerIdentifier {
		if err := ctx.Err(); err != nil {
			cancelled = true
			break
		}
		if r, ok := s.matchGroup(queryPath, identifier, hitList); ok {
			results = append(results, r)
		}
	}

	if len(results) == 0 && !cancelled && s.cfg.MatchFallbackToHist {
		for identifier, hitList := range hitsPerIdentifier {
			if err := ctx.Err(); err != nil {
				cancelled = true
				break
			}
			if r, ok := s.matchGroupByHistogram(queryPath, identifier, hitList); ok {
				results = append(results, r)
			}
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if maxResults > 0 && len(results) > maxResults {
		results = results[:maxResults]
	}
	return &QueryOutcome{Results: results, Cancelled: cancelled}, nil
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// matchGroup runs one resource's hit list through the regression pipeline:
// fit, admit by time factor, filter by predicted delta t, then coverage.
func (s *Strategy) matchGroup(queryPath string, identifier int32, hitList []match) (QueryResult, bool) {
	sort.Slice(hitList, func(i, j int) bool { return hitList[i].queryTime < hitList[j].queryTime })

	partLength := len(hitList) / s.cfg.HitPartDivider
	if partLength < s.cfg.MinHitsUnfiltered {
		partLength = s.cfg.MinHitsUnfiltered
	}
	if partLength > s.cfg.HitPartMaxSize {
		partLength = s.cfg.HitPartMaxSize
	}
	if partLength > len(hitList) {
		partLength = len(hitList)
	}

	firstHits := hitList[:partLength]
	lastHits := hitList[len(hitList)-partLength:]

	y1 := mostCommonDeltaT(firstHits)
	var x1 float64
	for _, hit := range firstHits {
		if hit.deltaT() == y1 {
			x1 = float64(hit.queryTime)
			break
		}
	}

	y2 := mostCommonDeltaT(lastHits)
	var x2 float64
	for i := len(lastHits) - 1; i >= 0; i-- {
		if lastHits[i].deltaT() == y2 {
			x2 = float64(lastHits[i].queryTime)
			break
		}
	}

	var slope float64
	if x1 != x2 {
		slope = float64(y2-y1) / (x2 - x1)
	}
	offset := float64(y1) - slope*x1
	timeFactor := 1 - slope

	if timeFactor <= s.cfg.MinTimeFactor || timeFactor >= s.cfg.MaxTimeFactor {
		return QueryResult{}, false
	}

	threshold := float64(s.cfg.QueryRange)
	var filtered []match
	for _, hit := range hitList {
		predicted := slope*float64(hit.queryTime) + offset
		if math.Abs(float64(hit.deltaT())-predicted) <= threshold {
			filtered = append(filtered, hit)
		}
	}

	return s.coverage(queryPath, identifier, filtered, timeFactor)
}

// matchGroupByHistogram is the fallback: a delta-t histogram with 5-frame
// buckets admits all hits near the dominant bucket, with no stretch model.
func (s *Strategy) matchGroupByHistogram(queryPath string, identifier int32, hitList []match) (QueryResult, bool) {
	const binSize = 5

	countPerDiff := make(map[int32]int)
	for _, hit := range hitList {
		countPerDiff[hit.deltaT()/binSize]++
	}

	var maxCount int
	var mostCommonBin int32
	for bin, count := range countPerDiff {
		if count > maxCount || (count == maxCount && bin < mostCommonBin) {
			maxCount = count
			mostCommonBin = bin
		}
	}
	if maxCount <= s.cfg.MinHitsUnfiltered {
		return QueryResult{}, false
	}

	centre := mostCommonBin * binSize
	var filtered []match
	for _, hit := range hitList {
		if abs32(centre-hit.deltaT()) <= binSize {
			filtered = append(filtered, hit)
		}
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].queryTime < filtered[j].queryTime })
	return s.coverage(queryPath, identifier, filtered, 1.0)
}

// coverage applies the final predicates: enough filtered hits, a long enough
// query span, and a dense enough per-second histogram of reference hits.
func (s *Strategy) coverage(queryPath string, identifier int32, filtered []match, timeFactor float64) (QueryResult, bool) {
	if len(filtered) <= s.cfg.MinHitsFiltered {
		return QueryResult{}, false
	}

	queryStart := s.blocksToSeconds(int(filtered[0].queryTime))
	queryStop := s.blocksToSeconds(int(filtered[len(filtered)-1].queryTime))
	if queryStop-queryStart < s.cfg.MinMatchDuration {
		return QueryResult{}, false
	}

	refStart := s.blocksToSeconds(int(filtered[0].matchTime))
	refStop := s.blocksToSeconds(int(filtered[len(filtered)-1].matchTime))

	secondsWithMatch := make(map[int]struct{})
	for _, hit := range filtered {
		secondBin := int(s.blocksToSeconds(int(hit.matchTime)) - refStart)
		secondsWithMatch[secondBin] = struct{}{}
	}

	matchingSeconds := math.Ceil(refStop - refStart)
	if matchingSeconds < 1 {
		matchingSeconds = 1
	}
	emptySeconds := matchingSeconds - float64(len(secondsWithMatch))
	percentWithMatches := 1 - emptySeconds/matchingSeconds
	if percentWithMatches < s.cfg.MinSecWithMatch {
		return QueryResult{}, false
	}

	refPath := "metadata unavailable!"
	if meta, err := s.db.GetMetadata(identifier); err == nil {
		refPath = meta.Path
	}

	s.log.Infof("Matches %d (id), filtered hits: %d (#), query start %.2f (s), query stop %.2f (s)",
		identifier, len(filtered), queryStart, queryStop)

	return QueryResult{
		QueryPath:                   queryPath,
		QueryStart:                  queryStart,
		QueryStop:                   queryStop,
		RefPath:                     refPath,
		RefID:                       identifier,
		RefStart:                    refStart,
		RefStop:                     refStop,
		Score:                       len(filtered),
		TimeFactor:                  timeFactor,
		FrequencyFactor:             1.0,
		PercentOfSecondsWithMatches: percentWithMatches,
	}, true
}

// mostCommonDeltaT returns the modal delta t of a hit list. Ties resolve to
// the smallest delta so the fit is deterministic.
func mostCommonDeltaT(hits []match) int32 {
	countPerDiff := make(map[int32]int)
	for _, hit := range hits {
		countPerDiff[hit.deltaT()]++
	}

	var maxCount int
	var mostCommon int32
	for deltaT, count := range countPerDiff {
		if count > maxCount || (count == maxCount && deltaT < mostCommon) {
			maxCount = count
			mostCommon = deltaT
		}
	}
	return mostCommon
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
