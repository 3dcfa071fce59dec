package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"LotLedger/internal/state"
	"LotLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnits(t *testing.T) {
	assert.Equal(t, "1.5", units(uint256.NewInt(1_500_000), 6))
	assert.Equal(t, "0.000001", units(uint256.NewInt(1), 6))
	assert.Equal(t, "42", units(uint256.NewInt(42), 0))
	assert.Equal(t, "0", units(nil, 6))
}

func TestParticipantRows(t *testing.T) {
	alice, bob, carol := testutil.Addr(1), testutil.Addr(2), testutil.Addr(3)
	l := &state.Lot{
		DepositsA: map[common.Address]*uint256.Int{alice: uint256.NewInt(10_000_000)},
		DepositsB: map[common.Address]*uint256.Int{bob: uint256.NewInt(4_000_000)},
		Invited:   map[common.Address]bool{alice: true, carol: true},
		Refunded:  map[common.Address]bool{},
		Claimed:   map[common.Address]bool{bob: true},
	}

	rows := participantRows(l, 6)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{alice.Hex(), "A", "10", "yes", "no", "no"}, rows[0])
	assert.Equal(t, []string{bob.Hex(), "B", "4", "no", "no", "yes"}, rows[1])
	assert.Equal(t, []string{carol.Hex(), "-", "0", "yes", "no", "no"}, rows[2])
}

func TestClient_CallSendsIdentity(t *testing.T) {
	var got http.Header
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/rpc/Pause", r.URL.Path)
		got = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sequence":7}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "0x00000000000000000000000000000000000000a0", time.Second)
	var out struct {
		Sequence int64 `json:"sequence"`
	}
	require.NoError(t, c.Call(context.Background(), "Pause", "", nil, &out))
	assert.Equal(t, int64(7), out.Sequence)
	assert.Equal(t, "0x00000000000000000000000000000000000000a0", got.Get("X-Caller"))
	assert.NotEmpty(t, got.Get("X-Request-Id"), "a request id is generated")
	assert.NotNil(t, body)
}

func TestClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"InvalidLotId","kind":"state","message":"InvalidLotId"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	var lot state.Lot
	err := c.Get(context.Background(), "/v1/lots/9", nil, &lot)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "InvalidLotId", apiErr.Code)
	assert.Equal(t, "state", apiErr.Kind)
}

func TestCLI_Lots(t *testing.T) {
	start := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	lots := []*state.Lot{{
		ID:        1,
		Primary:   "ETH",
		Counter:   "BTC",
		StartTime: start,
		Duration:  24 * time.Hour,
		TotalA:    uint256.NewInt(10_000_000),
		TotalB:    uint256.NewInt(4_000_000),
		Private:   true,
	}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"lots": lots, "last_lot_id": 1})
	}))
	defer srv.Close()

	var buf bytes.Buffer
	c := &cli{client: NewClient(srv.URL, "", time.Second), out: &buf, decimals: 6}
	require.NoError(t, c.run(context.Background(), "lots", []string{"1", "5"}))

	out := buf.String()
	assert.Contains(t, out, "ETH")
	assert.Contains(t, out, "BTC")
	assert.Contains(t, out, "2026-03-02T13:00:00Z")
	assert.Contains(t, out, "last lot id: 1")

	require.ErrorIs(t, c.run(context.Background(), "lot", nil), errUsage)
}
