package scheduler

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/scusemua/distributed-cluster/common/configuration"
	"github.com/scusemua/distributed-cluster/common/types"
	"github.com/scusemua/distributed-cluster/gateway/registry"
)

// PickInput is one policy decision's view of a scaling group: the still
// untried pending sessions of this pass in enqueue order, the group's total
// capacity, and the session registry for fairness accounting.
type PickInput struct {
	Pending  []*registry.SessionRecord
	Capacity types.ResourceSlot
	Sessions *registry.SessionRegistry
	Opts     *configuration.SchedulerOpts
}

// Policy decides which pending session the dispatcher tries next. A nil
// result ends the pass for the group.
type Policy interface {
	Name() string
	PickSession(ctx context.Context, input *PickInput) *registry.SessionRecord
}

// FifoPolicy serves sessions in enqueue order. With num_retries_to_skip set,
// a head-of-line session that keeps failing its checks is passed over so the
// queue behind it keeps draining; it is still picked when nothing else is
// waiting.
type FifoPolicy struct{}

func (p *FifoPolicy) Name() string { return "fifo" }

func (p *FifoPolicy) PickSession(_ context.Context, input *PickInput) *registry.SessionRecord {
	if len(input.Pending) == 0 {
		return nil
	}

	if skip := input.Opts.RetriesToSkip; skip > 0 {
		for _, session := range input.Pending {
			if session.Retries() < skip {
				return session
			}
		}
	}
	return input.Pending[0]
}

// LifoPolicy serves the most recently enqueued session first.
type LifoPolicy struct{}

func (p *LifoPolicy) Name() string { return "lifo" }

func (p *LifoPolicy) PickSession(_ context.Context, input *PickInput) *registry.SessionRecord {
	if len(input.Pending) == 0 {
		return nil
	}
	return input.Pending[len(input.Pending)-1]
}

// DrfPolicy implements dominant-resource fairness across access keys: each
// key's dominant share is its largest occupied/capacity ratio over the
// group's slots, and the first pending session of the least-served key goes
// next.
type DrfPolicy struct{}

func (p *DrfPolicy) Name() string { return "drf" }

func (p *DrfPolicy) PickSession(_ context.Context, input *PickInput) *registry.SessionRecord {
	if len(input.Pending) == 0 {
		return nil
	}

	shares := make(map[types.AccessKey]decimal.Decimal)

	var best *registry.SessionRecord
	var bestShare decimal.Decimal
	for _, session := range input.Pending {
		key := session.Spec().AccessKey

		share, known := shares[key]
		if !known {
			share = p.dominantShare(input, key)
			shares[key] = share
		}

		if best == nil || share.LessThan(bestShare) {
			best, bestShare = session, share
		}
	}
	return best
}

func (p *DrfPolicy) dominantShare(input *PickInput, key types.AccessKey) decimal.Decimal {
	occupied := input.Sessions.OccupiedSlots(registry.MatchAccessKey(key))

	dominant := decimal.Zero
	for slot, total := range input.Capacity {
		if total.IsInfinite() || total.Sign() <= 0 {
			continue
		}
		used := occupied.Get(slot)
		if used.IsInfinite() {
			continue
		}

		share := used.Decimal().Div(total.Decimal())
		if share.GreaterThan(dominant) {
			dominant = share
		}
	}
	return dominant
}
