// Command lotctl inspects and operates a running lotledger through its HTTP
// gateway.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"LotLedger/internal/core"
	"LotLedger/internal/query"
	"LotLedger/internal/state"

	"github.com/holiman/uint256"
)

const usageText = `Usage: lotctl [flags] <command> [args]

Commands:
  status                         engine sequence and state hash
  admin                          owner, oracle, fee, pause flag, accepted assets
  lots [from] [limit]            list lots
  lot <id>                       one lot with its participants
  participant <id> <address>     one participant's standing
  fees <asset>                   accrued fees for an asset
  balance <address> <asset>      deposited and received totals (read model)
  journals <address>             journal history for an address (read model)
  integrity                      verify engine and stored state
  snapshot                       take a snapshot now
  rebuild                        rebuild the read models
  call <Method> [json]           invoke any API method

Flags:
`

type cli struct {
	client   *Client
	out      io.Writer
	decimals int32
	raw      bool
	reqID    string
}

func main() {
	fs := flag.NewFlagSet("lotctl", flag.ExitOnError)
	addr := fs.String("addr", envOrDefault("LOT_API_URL", "http://localhost:8080"), "gateway base URL")
	caller := fs.String("caller", os.Getenv("LOT_CALLER"), "caller address for mutating calls")
	decimals := fs.Int("decimals", 6, "asset decimals used to format amounts")
	raw := fs.Bool("json", false, "print raw JSON")
	reqID := fs.String("request-id", "", "request id for mutating calls (generated when empty)")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usageText)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	c := &cli{
		client:   NewClient(*addr, *caller, *timeout),
		out:      os.Stdout,
		decimals: int32(*decimals),
		raw:      *raw,
		reqID:    *reqID,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*(*timeout))
	defer cancel()

	if err := c.run(ctx, fs.Arg(0), fs.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "lotctl: %v\n", err)
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			os.Exit(3)
		}
		os.Exit(1)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var errUsage = errors.New("wrong number of arguments, see lotctl -h")

func (c *cli) run(ctx context.Context, cmd string, args []string) error {
	need := func(n int) error {
		if len(args) < n {
			return errUsage
		}
		return nil
	}

	switch cmd {
	case "status":
		var out map[string]any
		if err := c.client.Get(ctx, "/v1/status", nil, &out); err != nil {
			return err
		}
		return c.print(out, func() {
			printKV(c.out, [][2]string{
				{"sequence", fmt.Sprint(out["sequence"])},
				{"state_hash", fmt.Sprint(out["state_hash"])},
			})
		})

	case "admin":
		var out core.AdminView
		if err := c.client.Get(ctx, "/v1/admin", nil, &out); err != nil {
			return err
		}
		return c.print(out, func() {
			rows := [][2]string{
				{"owner", out.Owner.Hex()},
				{"oracle", out.Oracle.Hex()},
				{"fee_percentage", strconv.Itoa(int(out.FeePercentage))},
				{"paused", strconv.FormatBool(out.Paused)},
			}
			for _, a := range out.AcceptedAssets {
				rows = append(rows, [2]string{"accepted_asset", a.Hex()})
			}
			printKV(c.out, rows)
		})

	case "lots":
		params := map[string]string{}
		if len(args) > 0 {
			params["from"] = args[0]
		}
		if len(args) > 1 {
			params["limit"] = args[1]
		}
		var out struct {
			Lots      []*state.Lot `json:"lots"`
			LastLotID uint64       `json:"last_lot_id"`
		}
		if err := c.client.Get(ctx, "/v1/lots", params, &out); err != nil {
			return err
		}
		return c.print(out, func() {
			printLots(c.out, out.Lots, c.decimals)
			fmt.Fprintf(c.out, "last lot id: %d\n", out.LastLotID)
		})

	case "lot":
		if err := need(1); err != nil {
			return err
		}
		var lot state.Lot
		if err := c.client.Get(ctx, "/v1/lots/"+args[0], nil, &lot); err != nil {
			return err
		}
		return c.print(lot, func() { printLot(c.out, &lot, c.decimals) })

	case "participant":
		if err := need(2); err != nil {
			return err
		}
		var pv core.ParticipantView
		if err := c.client.Get(ctx, "/v1/lots/"+args[0]+"/participants/"+args[1], nil, &pv); err != nil {
			return err
		}
		return c.print(pv, func() {
			printKV(c.out, [][2]string{
				{"side", pv.Side},
				{"deposit_a", units(pv.DepositA, c.decimals)},
				{"deposit_b", units(pv.DepositB, c.decimals)},
				{"invited", yesNo(pv.Invited)},
				{"refunded", yesNo(pv.Refunded)},
				{"claimed", yesNo(pv.Claimed)},
			})
		})

	case "fees":
		if err := need(1); err != nil {
			return err
		}
		var out struct {
			Amount *uint256.Int `json:"amount"`
		}
		if err := c.client.Get(ctx, "/v1/fees/"+args[0], nil, &out); err != nil {
			return err
		}
		return c.print(out, func() { fmt.Fprintln(c.out, units(out.Amount, c.decimals)) })

	case "balance":
		if err := need(2); err != nil {
			return err
		}
		var out query.BalanceResponse
		if err := c.client.Get(ctx, "/v1/accounts/"+args[0]+"/balances/"+args[1], nil, &out); err != nil {
			return err
		}
		return c.print(out, func() {
			printKV(c.out, [][2]string{
				{"deposited", unitsDec(out.Deposited, c.decimals)},
				{"received", unitsDec(out.Received, c.decimals)},
				{"net", unitsDec(out.Net, c.decimals)},
				{"as_of_sequence", strconv.FormatInt(out.AsOfSequence, 10)},
			})
		})

	case "journals":
		if err := need(1); err != nil {
			return err
		}
		var out struct {
			Journals []query.JournalHistoryEntry `json:"journals"`
		}
		if err := c.client.Get(ctx, "/v1/accounts/"+args[0]+"/journals", nil, &out); err != nil {
			return err
		}
		return c.print(out, func() { printJournals(c.out, out.Journals, c.decimals) })

	case "integrity":
		var out map[string]any
		if err := c.client.Get(ctx, "/v1/integrity", nil, &out); err != nil {
			return err
		}
		return c.printJSON(out)

	case "snapshot":
		var out map[string]any
		if err := c.client.Call(ctx, "TakeSnapshot", c.reqID, nil, &out); err != nil {
			return err
		}
		return c.printJSON(out)

	case "rebuild":
		var out map[string]any
		if err := c.client.Call(ctx, "RebuildProjections", c.reqID, nil, &out); err != nil {
			return err
		}
		return c.printJSON(out)

	case "call":
		if err := need(1); err != nil {
			return err
		}
		var body any = map[string]any{}
		if len(args) > 1 {
			if err := json.Unmarshal([]byte(args[1]), &body); err != nil {
				return fmt.Errorf("request body: %w", err)
			}
		}
		var out any
		if err := c.client.Call(ctx, args[0], c.reqID, body, &out); err != nil {
			return err
		}
		return c.printJSON(out)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func (c *cli) print(v any, table func()) error {
	if c.raw {
		return c.printJSON(v)
	}
	table()
	return nil
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
