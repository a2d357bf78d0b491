package candle

import (
	"fmt"

	"github.com/textileio/candle-auction/auction"
)

// SampleSlot records the leading bid known as of one candle sample.
type SampleSlot struct {
	Bidder  auction.BidderID
	Amount  uint64
	Written bool
}

// SampleHistory records the leading bid as of every candle sample of the
// ending period. Sample 0 is the first ending tick. Slots materialize
// when a bid lands in their tick; reads carry the nearest earlier slot
// forward. Written amounts stay non-decreasing across samples as long
// as Record is fed the running leader, whose amount never shrinks.
type SampleHistory struct {
	slots []SampleSlot
}

// NewSampleHistory returns a history with capacity for samples slots.
func NewSampleHistory(samples uint64) *SampleHistory {
	return &SampleHistory{slots: make([]SampleSlot, samples)}
}

// Len returns the number of samples in the ending period.
func (h *SampleHistory) Len() uint64 {
	return uint64(len(h.slots))
}

// Record writes the running leading bid for a sample. The slot is
// written when unmaterialized or when amount beats its recorded amount;
// the new leader is then carried into any later already-written slot it
// beats, so amounts stay non-decreasing even when calls arrive with
// out-of-order ticks. Slots before the sample are never touched.
func (h *SampleHistory) Record(sample uint64, bidder auction.BidderID, amount uint64) error {
	if sample >= h.Len() {
		return fmt.Errorf("sample %d out of range [0, %d)", sample, h.Len())
	}
	slot := &h.slots[sample]
	if slot.Written && amount <= slot.Amount {
		return nil
	}
	*slot = SampleSlot{Bidder: bidder, Amount: amount, Written: true}
	for i := sample + 1; i < h.Len(); i++ {
		later := &h.slots[i]
		if later.Written && later.Amount < amount {
			*later = SampleSlot{Bidder: bidder, Amount: amount, Written: true}
		}
	}
	return nil
}

// Leading returns the leading bid as of a sample, carrying the nearest
// earlier written slot forward. ok is false when no slot at or before
// the sample was ever written.
func (h *SampleHistory) Leading(sample uint64) (auction.BidderID, uint64, bool) {
	if h.Len() == 0 {
		return "", 0, false
	}
	if sample >= h.Len() {
		sample = h.Len() - 1
	}
	for i := int64(sample); i >= 0; i-- {
		if h.slots[i].Written {
			return h.slots[i].Bidder, h.slots[i].Amount, true
		}
	}
	return "", 0, false
}

// Slots returns a copy of all slots.
func (h *SampleHistory) Slots() []SampleSlot {
	out := make([]SampleSlot, len(h.slots))
	copy(out, h.slots)
	return out
}

func newSampleHistoryFromSlots(slots []SampleSlot) *SampleHistory {
	h := &SampleHistory{slots: make([]SampleSlot, len(slots))}
	copy(h.slots, slots)
	return h
}
