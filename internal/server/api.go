package server

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"LotLedger/internal/core"
	"LotLedger/internal/oracle"
	"LotLedger/internal/persistence"
	"LotLedger/internal/projection"
	"LotLedger/internal/query"
	"LotLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// handler runs one API method on a JSON-encoded request.
type handler func(ctx context.Context, raw []byte) (any, error)

// bind decodes the request into Req before calling fn.
func bind[Req any](fn func(ctx context.Context, req *Req) (any, error)) handler {
	return func(ctx context.Context, raw []byte) (any, error) {
		req := new(Req)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, req); err != nil {
				return nil, fmt.Errorf("%w: %v", errBadRequest, err)
			}
		}
		return fn(ctx, req)
	}
}

// APIDeps wires the API. Only Engine is required; methods whose backend is
// missing answer Unimplemented.
type APIDeps struct {
	Engine      *core.Engine
	Oracle      oracle.Client // installed by SetOracle
	Query       *query.QueryService
	Snapshotter *persistence.Snapshotter
	EventLog    *persistence.SnapshotManager
	DB          *sql.DB
}

// API is the transport-independent method table behind the gRPC service and
// the HTTP gateway.
type API struct {
	deps    APIDeps
	methods map[string]handler
}

func NewAPI(deps APIDeps) *API {
	a := &API{deps: deps}
	a.methods = map[string]handler{
		// Mutating
		"CreateLot":         bind(a.createLot),
		"Invite":            bind(a.invite),
		"JoinLot":           bind(a.joinLot),
		"Resolve":           bind(a.resolve),
		"WithdrawClaim":     bind(a.withdrawClaim),
		"WithdrawRefund":    bind(a.withdrawRefund),
		"SetAcceptedAssets": bind(a.setAcceptedAssets),
		"SetOracle":         bind(a.setOracle),
		"SetFeePercentage":  bind(a.setFeePercentage),
		"WithdrawFees":      bind(a.withdrawFees),
		"Pause":             bind(a.pause),
		"Unpause":           bind(a.unpause),
		"TransferOwnership": bind(a.transferOwnership),
		"RenounceOwnership": bind(a.renounceOwnership),

		// Engine queries
		"GetLot":          bind(a.getLot),
		"ListLots":        bind(a.listLots),
		"GetParticipant":  bind(a.getParticipant),
		"IsAllowedChoice": bind(a.isAllowedChoice),
		"LotExists":       bind(a.lotExists),
		"GetAccruedFees":  bind(a.accruedFees),
		"GetLotEscrow":    bind(a.lotEscrow),
		"GetAdmin":        bind(a.getAdmin),
		"GetStatus":       bind(a.getStatus),

		// Read models
		"SearchLots":         bind(a.searchLots),
		"ListParticipations": bind(a.listParticipations),
		"GetBalance":         bind(a.getBalance),
		"GetSystemBalances":  bind(a.systemBalances),
		"ListJournals":       bind(a.listJournals),
		"ListLotEvents":      bind(a.listLotEvents),

		// Operations
		"VerifyIntegrity":    bind(a.verifyIntegrity),
		"TakeSnapshot":       bind(a.takeSnapshot),
		"GetEventLogInfo":    bind(a.eventLogInfo),
		"RebuildProjections": bind(a.rebuildProjections),
	}
	return a
}

// Methods lists method names in sorted order.
func (a *API) Methods() []string {
	names := make([]string, 0, len(a.methods))
	for n := range a.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke runs method with a JSON request body.
func (a *API) Invoke(ctx context.Context, method string, raw []byte) (any, error) {
	h, ok := a.methods[method]
	if !ok {
		return nil, errUnimplemented(method)
	}
	return h(ctx, raw)
}

// ============================================================================
// Requests
// ============================================================================

type callKey struct{}

// withCall carries caller identity from transport headers. Fields in the
// request body take precedence.
func withCall(ctx context.Context, c core.Call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

// CallFields identify the caller of a mutating method.
type CallFields struct {
	Caller    common.Address `json:"caller"`
	RequestID string         `json:"request_id"`
}

func (c CallFields) call(ctx context.Context) (core.Call, error) {
	call := core.Call{Caller: c.Caller, RequestID: c.RequestID}
	if h, ok := ctx.Value(callKey{}).(core.Call); ok {
		if call.Caller == (common.Address{}) {
			call.Caller = h.Caller
		}
		if call.RequestID == "" {
			call.RequestID = h.RequestID
		}
	}
	if call.Caller == (common.Address{}) {
		return call, fmt.Errorf("%w: caller is required", errBadRequest)
	}
	return call, nil
}

type CreateLotRequest struct {
	CallFields
	Primary         string         `json:"primary"`
	CounterChoices  []string       `json:"counter_choices"`
	Size            *uint256.Int   `json:"size"`
	Asset           common.Address `json:"asset"`
	StartTime       time.Time      `json:"start_time"`
	DurationSeconds int64          `json:"duration_seconds"`
	Private         bool           `json:"private"`
	Challenge       bool           `json:"challenge"`
}

type InviteRequest struct {
	CallFields
	LotID     uint64           `json:"lot_id"`
	Addresses []common.Address `json:"addresses"`
}

type JoinLotRequest struct {
	CallFields
	LotID      uint64       `json:"lot_id"`
	Instrument string       `json:"instrument"`
	Size       *uint256.Int `json:"size"`
}

type LotRequest struct {
	CallFields
	LotID uint64 `json:"lot_id"`
}

type WithdrawRequest struct {
	CallFields
	LotIDs []uint64 `json:"lot_ids"`
}

type AssetsRequest struct {
	CallFields
	Assets []common.Address `json:"assets"`
}

type OracleRequest struct {
	CallFields
	Oracle common.Address `json:"oracle"`
}

type FeeRequest struct {
	CallFields
	Percentage uint8 `json:"percentage"`
}

type AssetRequest struct {
	CallFields
	Asset common.Address `json:"asset"`
}

type OwnershipRequest struct {
	CallFields
	NewOwner common.Address `json:"new_owner"`
}

type ParticipantRequest struct {
	LotID   uint64         `json:"lot_id"`
	Address common.Address `json:"address"`
}

type ChoiceRequest struct {
	LotID      uint64 `json:"lot_id"`
	Instrument string `json:"instrument"`
}

type PageRequest struct {
	From  uint64 `json:"from"`
	Limit int    `json:"limit"`
}

type SearchLotsRequest struct {
	Creator  string `json:"creator"`
	Resolved *bool  `json:"resolved"`
	AfterID  uint64 `json:"after_id"`
	Limit    int    `json:"limit"`
}

type AddressRequest struct {
	Address common.Address `json:"address"`
	Asset   common.Address `json:"asset"`
	Limit   int            `json:"limit"`
	Before  *int64         `json:"before_sequence"`
}

// Ack is returned by mutating methods without a result of their own.
type Ack struct {
	Sequence int64 `json:"sequence"`
}

func (a *API) ack() Ack { return Ack{Sequence: a.deps.Engine.GetSequence()} }

// ============================================================================
// Mutating methods
// ============================================================================

func (a *API) createLot(ctx context.Context, req *CreateLotRequest) (any, error) {
	call, err := req.call(ctx)
	if err != nil {
		return nil, err
	}
	size := req.Size
	if size == nil {
		size = new(uint256.Int)
	}
	duration, err := lotDuration(req.DurationSeconds)
	if err != nil {
		return nil, err
	}
	id, err := a.deps.Engine.CreateLot(ctx, call, state.CreateParams{
		Primary:        req.Primary,
		CounterChoices: req.CounterChoices,
		Size:           size,
		Asset:          req.Asset,
		StartTime:      req.StartTime,
		Duration:       duration,
		Private:        req.Private,
		Challenge:      req.Challenge,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"lot_id": id, "sequence": a.deps.Engine.GetSequence()}, nil
}

// lotDuration converts whole seconds, refusing anything outside the lot
// window before the multiplication can wrap.
func lotDuration(seconds int64) (time.Duration, error) {
	if seconds <= 0 || seconds >= int64(state.MaxDuration/time.Second) {
		return 0, fmt.Errorf("duration %ds: %w", seconds, state.ErrInvalidDuration)
	}
	return time.Duration(seconds) * time.Second, nil
}

func (a *API) invite(ctx context.Context, req *InviteRequest) (any, error) {
	call, err := req.call(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.deps.Engine.Invite(ctx, call, req.LotID, req.Addresses); err != nil {
		return nil, err
	}
	return a.ack(), nil
}

func (a *API) joinLot(ctx context.Context, req *JoinLotRequest) (any, error) {
	call, err := req.call(ctx)
	if err != nil {
		return nil, err
	}
	size := req.Size
	if size == nil {
		size = new(uint256.Int)
	}
	if err := a.deps.Engine.JoinLot(ctx, call, req.LotID, req.Instrument, size); err != nil {
		return nil, err
	}
	return a.ack(), nil
}

func (a *API) resolve(ctx context.Context, req *LotRequest) (any, error) {
	call, err := req.call(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.deps.Engine.Resolve(ctx, call, req.LotID); err != nil {
		return nil, err
	}
	return a.ack(), nil
}

func (a *API) withdrawClaim(ctx context.Context, req *WithdrawRequest) (any, error) {
	call, err := req.call(ctx)
	if err != nil {
		return nil, err
	}
	amounts, err := a.deps.Engine.WithdrawClaim(ctx, call, req.LotIDs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"amounts": amounts, "sequence": a.deps.Engine.GetSequence()}, nil
}

func (a *API) withdrawRefund(ctx context.Context, req *WithdrawRequest) (any, error) {
	call, err := req.call(ctx)
	if err != nil {
		return nil, err
	}
	amounts, err := a.deps.Engine.WithdrawRefund(ctx, call, req.LotIDs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"amounts": amounts, "sequence": a.deps.Engine.GetSequence()}, nil
}

func (a *API) setAcceptedAssets(ctx context.Context, req *AssetsRequest) (any, error) {
	call, err := req.call(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.deps.Engine.SetAcceptedAssets(ctx, call, req.Assets); err != nil {
		return nil, err
	}
	return a.ack(), nil
}

// setOracle re-points the engine at the configured price store under a new
// oracle address.
func (a *API) setOracle(ctx context.Context, req *OracleRequest) (any, error) {
	call, err := req.call(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.deps.Engine.SetOracle(ctx, call, req.Oracle, a.deps.Oracle); err != nil {
		return nil, err
	}
	return a.ack(), nil
}

func (a *API) setFeePercentage(ctx context.Context, req *FeeRequest) (any, error) {
	call, err := req.call(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.deps.Engine.SetFeePercentage(ctx, call, req.Percentage); err != nil {
		return nil, err
	}
	return a.ack(), nil
}

func (a *API) withdrawFees(ctx context.Context, req *AssetRequest) (any, error) {
	call, err := req.call(ctx)
	if err != nil {
		return nil, err
	}
	amount, err := a.deps.Engine.WithdrawFees(ctx, call, req.Asset)
	if err != nil {
		return nil, err
	}
	return map[string]any{"amount": amount, "sequence": a.deps.Engine.GetSequence()}, nil
}

func (a *API) pause(ctx context.Context, req *CallFields) (any, error) {
	call, err := req.call(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.deps.Engine.Pause(ctx, call); err != nil {
		return nil, err
	}
	return a.ack(), nil
}

func (a *API) unpause(ctx context.Context, req *CallFields) (any, error) {
	call, err := req.call(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.deps.Engine.Unpause(ctx, call); err != nil {
		return nil, err
	}
	return a.ack(), nil
}

func (a *API) transferOwnership(ctx context.Context, req *OwnershipRequest) (any, error) {
	call, err := req.call(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.deps.Engine.TransferOwnership(ctx, call, req.NewOwner); err != nil {
		return nil, err
	}
	return a.ack(), nil
}

func (a *API) renounceOwnership(ctx context.Context, req *CallFields) (any, error) {
	call, err := req.call(ctx)
	if err != nil {
		return nil, err
	}
	return nil, a.deps.Engine.RenounceOwnership(ctx, call)
}

// ============================================================================
// Engine queries
// ============================================================================

func (a *API) getLot(ctx context.Context, req *LotRequest) (any, error) {
	return a.deps.Engine.Lot(ctx, req.LotID)
}

func (a *API) listLots(ctx context.Context, req *PageRequest) (any, error) {
	limit := req.Limit
	if limit <= 0 || limit > query.MaxLimit {
		limit = query.DefaultLimit
	}
	lots, err := a.deps.Engine.Lots(ctx, req.From, limit)
	if err != nil {
		return nil, err
	}
	last, err := a.deps.Engine.LastLotID(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"lots": lots, "last_lot_id": last}, nil
}

func (a *API) getParticipant(ctx context.Context, req *ParticipantRequest) (any, error) {
	return a.deps.Engine.Participant(ctx, req.LotID, req.Address)
}

func (a *API) isAllowedChoice(ctx context.Context, req *ChoiceRequest) (any, error) {
	ok, err := a.deps.Engine.IsAllowedChoice(ctx, req.LotID, req.Instrument)
	if err != nil {
		return nil, err
	}
	return map[string]any{"allowed": ok}, nil
}

func (a *API) lotExists(ctx context.Context, req *LotRequest) (any, error) {
	ok, err := a.deps.Engine.Exists(ctx, req.LotID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"exists": ok}, nil
}

func (a *API) accruedFees(ctx context.Context, req *AssetRequest) (any, error) {
	fees, err := a.deps.Engine.AccruedFees(ctx, req.Asset)
	if err != nil {
		return nil, err
	}
	return map[string]any{"asset": req.Asset, "amount": fees}, nil
}

func (a *API) lotEscrow(ctx context.Context, req *LotRequest) (any, error) {
	bal, err := a.deps.Engine.LotEscrow(ctx, req.LotID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"lot_id": req.LotID, "amount": bal}, nil
}

func (a *API) getAdmin(ctx context.Context, _ *struct{}) (any, error) {
	return a.deps.Engine.Admin(ctx)
}

func (a *API) getStatus(_ context.Context, _ *struct{}) (any, error) {
	hash := a.deps.Engine.GetStateHash()
	return map[string]any{
		"sequence":   a.deps.Engine.GetSequence(),
		"state_hash": hex.EncodeToString(hash[:]),
	}, nil
}

// ============================================================================
// Read models and operations
// ============================================================================

func (a *API) queries(method string) (*query.QueryService, error) {
	if a.deps.Query == nil {
		return nil, errUnimplemented(method)
	}
	return a.deps.Query, nil
}

func (a *API) searchLots(ctx context.Context, req *SearchLotsRequest) (any, error) {
	qs, err := a.queries("SearchLots")
	if err != nil {
		return nil, err
	}
	lots, err := qs.ListLots(ctx, query.LotFilter{Creator: req.Creator, Resolved: req.Resolved, AfterID: req.AfterID, Limit: req.Limit})
	if err != nil {
		return nil, err
	}
	return map[string]any{"lots": lots}, nil
}

func (a *API) listParticipations(ctx context.Context, req *AddressRequest) (any, error) {
	qs, err := a.queries("ListParticipations")
	if err != nil {
		return nil, err
	}
	ps, err := qs.GetParticipations(ctx, req.Address, req.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"participations": ps}, nil
}

func (a *API) getBalance(ctx context.Context, req *AddressRequest) (any, error) {
	qs, err := a.queries("GetBalance")
	if err != nil {
		return nil, err
	}
	return qs.GetBalance(ctx, req.Address, req.Asset)
}

func (a *API) systemBalances(ctx context.Context, req *AddressRequest) (any, error) {
	qs, err := a.queries("GetSystemBalances")
	if err != nil {
		return nil, err
	}
	return qs.GetSystemBalances(ctx, req.Asset)
}

func (a *API) listJournals(ctx context.Context, req *AddressRequest) (any, error) {
	qs, err := a.queries("ListJournals")
	if err != nil {
		return nil, err
	}
	entries, err := qs.GetJournalHistory(ctx, req.Address, req.Limit, req.Before)
	if err != nil {
		return nil, err
	}
	return map[string]any{"journals": entries}, nil
}

func (a *API) listLotEvents(ctx context.Context, req *struct {
	LotID uint64 `json:"lot_id"`
	Limit int    `json:"limit"`
}) (any, error) {
	qs, err := a.queries("ListLotEvents")
	if err != nil {
		return nil, err
	}
	events, err := qs.GetLotEvents(ctx, req.LotID, req.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"events": events}, nil
}

// verifyIntegrity checks the live engine and, when available, the stored
// log and read models.
func (a *API) verifyIntegrity(ctx context.Context, _ *struct{}) (any, error) {
	out := map[string]any{"engine_healthy": true}
	if err := a.deps.Engine.CheckInvariants(); err != nil {
		out["engine_healthy"] = false
		out["engine_error"] = err.Error()
	}
	if a.deps.Query != nil {
		report, err := a.deps.Query.VerifyIntegrity(ctx)
		if err != nil {
			return nil, err
		}
		out["store"] = report
	}
	return out, nil
}

func (a *API) takeSnapshot(ctx context.Context, _ *struct{}) (any, error) {
	if a.deps.Snapshotter == nil {
		return nil, errUnimplemented("TakeSnapshot")
	}
	rec, err := a.deps.Snapshotter.TakeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return map[string]any{"taken": false, "sequence": a.deps.Engine.GetSequence()}, nil
	}
	return map[string]any{
		"taken":       true,
		"snapshot_id": rec.ID.String(),
		"sequence":    rec.Sequence,
		"size_bytes":  rec.SizeBytes,
	}, nil
}

func (a *API) rebuildProjections(ctx context.Context, _ *struct{}) (any, error) {
	if a.deps.DB == nil {
		return nil, errUnimplemented("RebuildProjections")
	}
	snap := a.deps.Engine.CreateSnapshotState()
	if err := projection.RebuildProjections(ctx, a.deps.DB, snap.Lots, snap.Sequence, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("rebuild projections: %w", err)
	}
	return map[string]any{"lots": len(snap.Lots), "sequence": snap.Sequence}, nil
}

// eventLogInfo compares the engine tip with what has reached the store.
func (a *API) eventLogInfo(ctx context.Context, _ *struct{}) (any, error) {
	if a.deps.EventLog == nil {
		return nil, errUnimplemented("GetEventLogInfo")
	}
	persisted, err := a.deps.EventLog.GetLatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest sequence: %w", err)
	}
	engineSeq := a.deps.Engine.GetSequence()
	return map[string]any{
		"engine_sequence":    engineSeq,
		"persisted_sequence": persisted,
		"persistence_lag":    engineSeq - persisted,
	}, nil
}
