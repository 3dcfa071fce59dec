package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// BalanceResponse is an address's flow through the engine in one asset.
// External accounts go negative by what was paid in, so Deposited is the
// negated balance of the deposits account.
type BalanceResponse struct {
	Address      string          `json:"address"`
	Asset        string          `json:"asset"`
	Deposited    decimal.Decimal `json:"deposited"`
	Received     decimal.Decimal `json:"received"`
	Net          decimal.Decimal `json:"net"` // received - deposited
	AsOfSequence int64           `json:"as_of_sequence"`
}

// SystemBalances are the engine-held balances of one asset.
type SystemBalances struct {
	Asset        string          `json:"asset"`
	Escrowed     decimal.Decimal `json:"escrowed"` // sum over lot escrows
	AccruedFees  decimal.Decimal `json:"accrued_fees"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// GetBalance returns an address's deposits and payouts in asset.
func (qs *QueryService) GetBalance(ctx context.Context, addr, asset common.Address) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	deposits, err := qs.getProjectedBalance(ctx, fmt.Sprintf("external:deposits:%s:%s", addr.Hex(), asset.Hex()), asset)
	if err != nil {
		return nil, err
	}
	payouts, err := qs.getProjectedBalance(ctx, fmt.Sprintf("external:payouts:%s:%s", addr.Hex(), asset.Hex()), asset)
	if err != nil {
		return nil, err
	}

	deposited := deposits.Neg()
	return &BalanceResponse{
		Address:      addr.Hex(),
		Asset:        asset.Hex(),
		Deposited:    deposited,
		Received:     payouts,
		Net:          payouts.Sub(deposited),
		AsOfSequence: asOfSeq,
	}, nil
}

// GetSystemBalances sums lot escrows and reads accrued fees for asset.
func (qs *QueryService) GetSystemBalances(ctx context.Context, asset common.Address) (*SystemBalances, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	escrowed := decimal.Zero
	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0) FROM projections.balances
		WHERE asset = $1 AND account_path LIKE 'system:lot:%'
	`, asset.Hex()).Scan(&escrowed)
	if err != nil {
		return nil, err
	}

	fees, err := qs.getProjectedBalance(ctx, "system:fees:"+asset.Hex(), asset)
	if err != nil {
		return nil, err
	}

	return &SystemBalances{
		Asset:        asset.Hex(),
		Escrowed:     escrowed,
		AccruedFees:  fees,
		AsOfSequence: asOfSeq,
	}, nil
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string, asset common.Address) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balances
		WHERE account_path = $1 AND asset = $2
	`, accountPath, asset.Hex()).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	return balance, err
}
