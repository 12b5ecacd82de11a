package window

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

// Buckets is a rolling counter of numBuckets consecutive time buckets that
// each cover bucketSize, stored in a TreeMap ordered by bucket start
type Buckets struct {
	data  *treemap.Map
	mutex sync.RWMutex

	bucketSize time.Duration
	numBuckets int
	total      int64
}

// NewBuckets creates an empty rolling counter
func NewBuckets(bucketSize time.Duration, numBuckets int) *Buckets {
	return &Buckets{
		data:       treemap.NewWith(utils.TimeComparator),
		bucketSize: bucketSize,
		numBuckets: numBuckets,
	}
}

// Add counts n events at t
func (b *Buckets) Add(t time.Time, n int64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	key := t.Truncate(b.bucketSize)
	var val int64
	if v, ok := b.data.Get(key); ok {
		val = v.(int64)
	}
	b.data.Put(key, val+n)
	b.total += n
}

// Count returns the total of all buckets that have not expired at now
func (b *Buckets) Count(now time.Time) int64 {
	b.Expire(now)

	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.total
}

// Series returns the non-expired buckets, oldest first
func (b *Buckets) Series(now time.Time) []Bucket {
	b.Expire(now)

	b.mutex.RLock()
	defer b.mutex.RUnlock()

	res := make([]Bucket, 0, b.data.Size())
	iter := b.data.Iterator()
	for iter.Next() {
		res = append(res, Bucket{Start: iter.Key().(time.Time), Count: iter.Value().(int64)})
	}
	return res
}

// Empty reports whether all buckets have expired at now
func (b *Buckets) Empty(now time.Time) bool {
	return b.Count(now) == 0
}

// Expire removes the buckets that fell out of the window and returns how many were removed
func (b *Buckets) Expire(now time.Time) int {
	threshold := now.Truncate(b.bucketSize).Add(-b.bucketSize * time.Duration(b.numBuckets-1))

	b.mutex.Lock()
	defer b.mutex.Unlock()

	removed := 0
	for !b.data.Empty() {
		key, val := b.data.Min()
		if !key.(time.Time).Before(threshold) {
			break
		}
		b.total -= val.(int64)
		b.data.Remove(key)
		removed++
	}
	return removed
}

// Bucket is a single counter of a Buckets series
type Bucket struct {
	Start time.Time `json:"start"`
	Count int64     `json:"count"`
}
