package service

import (
	"fmt"
	"sort"
	"time"

	"github.com/mouse256/alfen-mqtt/internal/domain"
)

// Batch is one read transaction covering one or more register groups of a
// device that share a function table and a poll interval.
type Batch struct {
	DeviceID string
	Function domain.FunctionCode
	Start    uint16
	Count    uint16
	Interval time.Duration
	Priority int
	Groups   []*domain.RegisterGroup
}

// End returns the first address past the batch.
func (b *Batch) End() uint32 {
	return uint32(b.Start) + uint32(b.Count)
}

// GroupIDs returns the IDs of the coalesced groups in address order.
func (b *Batch) GroupIDs() []string {
	ids := make([]string, len(b.Groups))
	for i, g := range b.Groups {
		ids[i] = g.ID
	}
	return ids
}

// Request returns the read request for the batch.
func (b *Batch) Request() domain.Request {
	return domain.Request{
		Op:       domain.OpRead,
		Function: b.Function,
		Address:  b.Start,
		Quantity: b.Count,
	}
}

func (b *Batch) String() string {
	return fmt.Sprintf("%s %s %d+%d", b.DeviceID, b.Function, b.Start, b.Count)
}

// PlanBatches coalesces the groups of a device into as few read requests as
// the device allows. Groups merge when they share function and interval, the
// hole between them is at most MaxGap and the merged span stays within the
// device's span limit. The result is ordered by function then start address.
func PlanBatches(device *domain.Device) []Batch {
	type bucketKey struct {
		fn       domain.FunctionCode
		interval time.Duration
	}
	buckets := make(map[bucketKey][]*domain.RegisterGroup)
	var keys []bucketKey
	for gi := range device.Groups {
		g := &device.Groups[gi]
		k := bucketKey{fn: g.Function, interval: g.Interval}
		if _, ok := buckets[k]; !ok {
			keys = append(keys, k)
		}
		buckets[k] = append(buckets[k], g)
	}

	var out []Batch
	for _, k := range keys {
		groups := buckets[k]
		sort.SliceStable(groups, func(i, j int) bool { return groups[i].Start < groups[j].Start })

		limit := uint32(device.SpanLimit(k.fn))
		gap := uint32(device.MaxGap)

		var cur *Batch
		for _, g := range groups {
			if cur != nil {
				end := cur.End()
				newEnd := end
				if g.End() > newEnd {
					newEnd = g.End()
				}
				if uint32(g.Start) <= end+gap && newEnd-uint32(cur.Start) <= limit {
					cur.Count = uint16(newEnd - uint32(cur.Start))
					cur.Groups = append(cur.Groups, g)
					if g.Priority > cur.Priority {
						cur.Priority = g.Priority
					}
					continue
				}
				out = append(out, *cur)
			}
			cur = &Batch{
				DeviceID: device.ID,
				Function: g.Function,
				Start:    g.Start,
				Count:    g.Count,
				Interval: g.Interval,
				Priority: g.Priority,
				Groups:   []*domain.RegisterGroup{g},
			}
		}
		if cur != nil {
			out = append(out, *cur)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Function != out[j].Function {
			return out[i].Function < out[j].Function
		}
		return out[i].Start < out[j].Start
	})
	return out
}
