package main

import (
	"fmt"
	"io"
	"sort"
	"time"

	"LotLedger/internal/query"
	"LotLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

// units renders a raw integer amount with the asset's decimals.
func units(raw *uint256.Int, decimals int32) string {
	if raw == nil {
		return "0"
	}
	d, err := decimal.NewFromString(raw.Dec())
	if err != nil {
		return raw.Dec()
	}
	return d.Shift(-decimals).String()
}

func unitsDec(d decimal.Decimal, decimals int32) string {
	return d.Shift(-decimals).String()
}

func winnerOf(l *state.Lot) string {
	switch {
	case !l.Resolved:
		return "-"
	case l.Resolution == nil || l.Resolution.Winner == "":
		return "tie"
	default:
		return l.Resolution.Winner
	}
}

func counterOf(counter string, basket bool) string {
	if counter != "" {
		return counter
	}
	if basket {
		return "(basket)"
	}
	return "-"
}

func printLots(w io.Writer, lots []*state.Lot, decimals int32) {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Primary", "Counter", "Start", "End", "Side A", "Side B", "Flags", "Winner")
	for _, l := range lots {
		table.Append(
			fmt.Sprintf("%d", l.ID),
			l.Primary,
			counterOf(l.Counter, l.Basket),
			l.StartTime.UTC().Format(time.RFC3339),
			l.EndTime().UTC().Format(time.RFC3339),
			units(l.TotalA, decimals),
			units(l.TotalB, decimals),
			flags(l.Private, l.Challenge),
			winnerOf(l),
		)
	}
	table.Render()
}

func flags(private, challenge bool) string {
	s := ""
	if private {
		s += "P"
	}
	if challenge {
		s += "C"
	}
	if s == "" {
		return "-"
	}
	return s
}

func printLot(w io.Writer, l *state.Lot, decimals int32) {
	printLots(w, []*state.Lot{l}, decimals)

	table := tablewriter.NewWriter(w)
	table.Header("Address", "Side", "Deposit", "Invited", "Refunded", "Claimed")
	for _, row := range participantRows(l, decimals) {
		table.Append(row)
	}
	table.Render()
}

// participantRows lists every address seen in the lot, sorted.
func participantRows(l *state.Lot, decimals int32) [][]string {
	seen := make(map[common.Address]bool)
	var addrs []common.Address
	for _, m := range []map[common.Address]*uint256.Int{l.DepositsA, l.DepositsB} {
		for a := range m {
			if !seen[a] {
				seen[a] = true
				addrs = append(addrs, a)
			}
		}
	}
	for a := range l.Invited {
		if !seen[a] {
			seen[a] = true
			addrs = append(addrs, a)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Hex() < addrs[j].Hex() })

	rows := make([][]string, 0, len(addrs))
	for _, a := range addrs {
		side, amount := "-", "0"
		if v := l.DepositsA[a]; v != nil && !v.IsZero() {
			side, amount = "A", units(v, decimals)
		} else if v := l.DepositsB[a]; v != nil && !v.IsZero() {
			side, amount = "B", units(v, decimals)
		}
		rows = append(rows, []string{a.Hex(), side, amount, yesNo(l.Invited[a]), yesNo(l.Refunded[a]), yesNo(l.Claimed[a])})
	}
	return rows
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func printJournals(w io.Writer, entries []query.JournalHistoryEntry, decimals int32) {
	table := tablewriter.NewWriter(w)
	table.Header("Seq", "Type", "Debit", "Credit", "Amount", "Time")
	for _, e := range entries {
		table.Append(
			fmt.Sprintf("%d", e.Sequence),
			e.JournalType,
			e.DebitAccount,
			e.CreditAccount,
			unitsDec(e.Amount, decimals),
			time.UnixMicro(e.Timestamp).UTC().Format(time.RFC3339),
		)
	}
	table.Render()
}

func printKV(w io.Writer, rows [][2]string) {
	table := tablewriter.NewWriter(w)
	table.Header("Field", "Value")
	for _, r := range rows {
		table.Append(r[0], r[1])
	}
	table.Render()
}
