package core

import (
	"fmt"

	"LotLedger/internal/event"
	"LotLedger/internal/ledger"
	"LotLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// SnapshotState is the serializable in-memory state of an engine.
type SnapshotState struct {
	Sequence        int64                 `json:"sequence"`
	StateHash       [32]byte              `json:"state_hash"`
	Lots            []*state.Lot          `json:"lots"`
	Balances        []ledger.BalanceEntry `json:"balances"`
	Owner           common.Address        `json:"owner"`
	Oracle          common.Address        `json:"oracle"`
	FeePercentage   uint8                 `json:"fee_percentage"`
	Paused          bool                  `json:"paused"`
	AcceptedAssets  []common.Address      `json:"accepted_assets"`
	IdempotencyKeys []string              `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	lots := make([]*state.Lot, 0, e.registry.LastID())
	for _, l := range e.registry.All() {
		lots = append(lots, l.Clone())
	}
	return &SnapshotState{
		Sequence:        e.sequence,
		StateHash:       e.hasher.GetPrevHash(),
		Lots:            lots,
		Balances:        e.balances.Snapshot(),
		Owner:           e.owner,
		Oracle:          e.oracleAddr,
		FeePercentage:   e.feePct,
		Paused:          e.paused,
		AcceptedAssets:  sortedAssets(e.accepted),
		IdempotencyKeys: e.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot replaces the engine's state. The oracle client is not
// part of a snapshot; the one given at construction stays in place.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.registry.Restore(snap.Lots); err != nil {
		return err
	}
	e.balances.Restore(snap.Balances)
	e.sequence = snap.Sequence
	e.hasher.SetPrevHash(snap.StateHash)
	e.owner = snap.Owner
	e.oracleAddr = snap.Oracle
	e.feePct = snap.FeePercentage
	e.paused = snap.Paused
	e.accepted = make(map[common.Address]bool, len(snap.AcceptedAssets))
	for _, a := range snap.AcceptedAssets {
		e.accepted[a] = true
	}
	e.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// WarmLRU loads recent request keys ("<operation>:<request_id>") into the
// dedup cache.
func (e *Engine) WarmLRU(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.lru.WarmFromKeys(keys)
}

// Replay applies one persisted event on top of the current state, without
// touching custody or the oracle. The recomputed state hash must match the
// stored one.
func (e *Engine) Replay(env *event.EventEnvelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if env.Sequence != e.sequence+1 {
		return fmt.Errorf("replay: sequence %d, expected %d", env.Sequence, e.sequence+1)
	}
	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay %d: %w", env.Sequence, err)
	}

	ref := ledger.EventRef{Key: env.IdempotencyKey, Sequence: env.Sequence, Timestamp: env.Timestamp}
	batch, lot, err := e.replayEvent(ref, evt)
	if err != nil {
		if batch != nil {
			e.balances.RevertBatch(batch)
		}
		return fmt.Errorf("replay %d %s: %w", env.Sequence, env.EventType, err)
	}

	// A mismatch leaves the engine half-applied; recovery treats it as fatal.
	digest := e.stateDigest(batch, lot, env.Payload)
	if hash := chainHash(e.hasher.GetPrevHash(), env.Sequence, digest); hash != env.StateHash {
		return fmt.Errorf("replay %d: state hash mismatch", env.Sequence)
	}
	e.hasher.ComputeHash(env.Sequence, digest)
	e.sequence = env.Sequence

	if env.RequestID != "" {
		e.idempotency.MarkProcessed(env.Operation, env.RequestID)
	}
	if e.metrics != nil {
		e.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// replayEvent mutates the live records. Events in the log were validated
// when they were first applied, so only the checks needed to keep the
// ledger consistent are repeated here.
func (e *Engine) replayEvent(ref ledger.EventRef, evt event.Event) (*ledger.Batch, *state.Lot, error) {
	switch ev := evt.(type) {
	case *event.LotCreated:
		lot := e.registry.NewLot(state.CreateParams{
			Primary:        ev.Primary,
			CounterChoices: ev.CounterChoices,
			Size:           ev.Size,
			Asset:          ev.Asset,
			StartTime:      ev.StartTime,
			Duration:       ev.Duration,
			Private:        ev.Private,
			Challenge:      ev.Challenge,
		}, ev.Creator)
		if lot.ID != ev.Lot {
			return nil, nil, fmt.Errorf("lot id %d, expected %d", ev.Lot, lot.ID)
		}
		if err := e.accounting.ApplyDeposit(lot, ev.Creator, state.SideA, lot.Primary, ev.Received); err != nil {
			return nil, nil, err
		}
		batch, err := e.replayBatch(e.journals.GenerateDeposit(ref, lot.ID, lot.Asset, ev.Creator, ev.Received))
		if err != nil {
			return nil, nil, err
		}
		if err := e.registry.Insert(lot); err != nil {
			return batch, nil, err
		}
		return batch, lot.Clone(), nil

	case *event.ParticipantInvited:
		lot, err := e.registry.Get(ev.Lot)
		if err != nil {
			return nil, nil, err
		}
		e.registry.AddInvites(lot, []common.Address{ev.Invitee})
		return nil, lot.Clone(), nil

	case *event.LotJoined:
		lot, err := e.registry.Get(ev.Lot)
		if err != nil {
			return nil, nil, err
		}
		side := state.SideB
		if ev.Side == state.SideA.String() {
			side = state.SideA
		}
		batch, err := e.replayBatch(e.journals.GenerateDeposit(ref, lot.ID, lot.Asset, ev.Participant, ev.Received))
		if err != nil {
			return nil, nil, err
		}
		if err := e.accounting.ApplyDeposit(lot, ev.Participant, side, ev.Instrument, ev.Received); err != nil {
			return batch, nil, err
		}
		return batch, lot.Clone(), nil

	case *event.LotResolved:
		lot, err := e.registry.Get(ev.Lot)
		if err != nil {
			return nil, nil, err
		}
		var batch *ledger.Batch
		if !ev.FeeAccrued.IsZero() {
			batch, err = e.replayBatch(e.journals.GenerateFeeAccrual(ref, lot.ID, lot.Asset, ev.FeeAccrued))
			if err != nil {
				return nil, nil, err
			}
		}
		err = e.resolver.Apply(lot, &state.Resolution{
			Outcome:     ev.Outcome,
			Winner:      ev.Winner,
			StartPriceA: ev.StartPriceA,
			EndPriceA:   ev.EndPriceA,
			StartPriceB: ev.StartPriceB,
			EndPriceB:   ev.EndPriceB,
			Matched:     ev.Matched,
			FeePerSide:  ev.FeePerSide,
			ResolvedAt:  ev.ResolvedAt,
		})
		if err != nil {
			return batch, nil, err
		}
		return batch, lot.Clone(), nil

	case *event.ClaimWithdrawn:
		lot, err := e.registry.Get(ev.Lot)
		if err != nil {
			return nil, nil, err
		}
		staged := lot.Clone()
		amount, err := e.accounting.Claim(staged, ev.Participant)
		if err != nil {
			return nil, nil, err
		}
		if !amount.Eq(ev.Amount) {
			return nil, nil, fmt.Errorf("claim recomputed as %s, logged %s", amount.Dec(), ev.Amount.Dec())
		}
		var batch *ledger.Batch
		if !amount.IsZero() {
			batch, err = e.replayBatch(e.journals.GeneratePayout(ref, ledger.JournalTypeClaim, lot.ID, lot.Asset, ev.Participant, amount))
			if err != nil {
				return nil, nil, err
			}
		}
		e.registry.Replace(staged)
		return batch, staged.Clone(), nil

	case *event.RefundWithdrawn:
		lot, err := e.registry.Get(ev.Lot)
		if err != nil {
			return nil, nil, err
		}
		staged := lot.Clone()
		amount, err := e.accounting.Refund(staged, ev.Participant, staged.StartTime)
		if err != nil {
			return nil, nil, err
		}
		if !amount.Eq(ev.Amount) {
			return nil, nil, fmt.Errorf("refund recomputed as %s, logged %s", amount.Dec(), ev.Amount.Dec())
		}
		var batch *ledger.Batch
		if !amount.IsZero() {
			batch, err = e.replayBatch(e.journals.GeneratePayout(ref, ledger.JournalTypeRefund, lot.ID, lot.Asset, ev.Participant, amount))
			if err != nil {
				return nil, nil, err
			}
		}
		e.registry.Replace(staged)
		return batch, staged.Clone(), nil

	case *event.FeeWithdrawn:
		batch, amount, err := e.journals.GenerateFeeWithdrawal(ref, ev.Asset, ev.To)
		if err != nil {
			return nil, nil, err
		}
		if !amount.Eq(ev.Amount) {
			return nil, nil, fmt.Errorf("fee withdrawal recomputed as %s, logged %s", amount.Dec(), ev.Amount.Dec())
		}
		if batch != nil {
			if _, err := e.replayBatch(batch, nil); err != nil {
				return nil, nil, err
			}
		}
		return batch, nil, nil

	case *event.AssetsUpdated:
		e.accepted = make(map[common.Address]bool, len(ev.Assets))
		for _, a := range ev.Assets {
			e.accepted[a] = true
		}
	case *event.OracleUpdated:
		e.oracleAddr = ev.Oracle
	case *event.FeeUpdated:
		e.feePct = ev.Percentage
	case *event.Paused:
		e.paused = true
	case *event.Unpaused:
		e.paused = false
	case *event.OwnershipTransferred:
		e.owner = ev.New
	default:
		return nil, nil, fmt.Errorf("unhandled event %T", evt)
	}
	return nil, nil, nil
}

func (e *Engine) replayBatch(batch *ledger.Batch, err error) (*ledger.Batch, error) {
	if err != nil {
		return nil, err
	}
	if err := e.balances.ApplyBatch(batch); err != nil {
		return nil, err
	}
	if err := e.validator.ValidateBatch(batch); err != nil {
		e.balances.RevertBatch(batch)
		return nil, err
	}
	return batch, nil
}
