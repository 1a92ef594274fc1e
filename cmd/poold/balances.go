package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/spf13/cobra"

	"github.com/bardlex/poolcore/internal/database"
)

var (
	balanceMiner  string
	balanceWallet string
)

var balancesCmd = &cobra.Command{
	Use:   "balances",
	Short: "Print miner balances and lifetime wallet totals",
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, closeFn, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		if balanceMiner != "" || balanceWallet != "" {
			return printUser(cmd.Context(), cmd.OutOrStdout(), db, balanceMiner, balanceWallet)
		}
		return printBalances(cmd.Context(), cmd.OutOrStdout(), db)
	},
}

var resetBalanceCmd = &cobra.Command{
	Use:   "reset <address>",
	Short: "Zero every miner balance of a paid-out address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, closeFn, err := openDatabase(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		if err := db.ResetBalanceByAddress(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reset balances of %s\n", args[0])
		return nil
	},
}

func init() {
	balancesCmd.Flags().StringVar(&balanceMiner, "miner", "", "show a single miner (worker name)")
	balancesCmd.Flags().StringVar(&balanceWallet, "wallet", "", "wallet address of --miner")
	balancesCmd.AddCommand(resetBalanceCmd)
}

func openDatabase(ctx context.Context) (*database.Manager, func(), error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, nil, err
	}
	dc := databaseConfig(cfg)
	dc.Influx = nil
	db, err := database.NewManager(ctx, dc, logger)
	if err != nil {
		_ = logger.Close()
		return nil, nil, err
	}
	return db, func() {
		_ = db.Close()
		_ = logger.Close()
	}, nil
}

func printBalances(ctx context.Context, out io.Writer, db *database.Manager) error {
	balances, err := db.GetAllBalances(ctx)
	if err != nil {
		return err
	}
	totals, err := db.GetWalletTotals(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MINER\tWALLET\tBALANCE")
	for _, b := range balances {
		fmt.Fprintf(w, "%s\t%s\t%s\n", b.MinerID, b.Wallet, btcutil.Amount(b.Balance))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "WALLET\tTOTAL")
	for _, t := range totals {
		fmt.Fprintf(w, "%s\t%s\n", t.Address, btcutil.Amount(t.Total))
	}
	return w.Flush()
}

func printUser(ctx context.Context, out io.Writer, db *database.Manager, miner, wallet string) error {
	if miner == "" || wallet == "" {
		return fmt.Errorf("--miner and --wallet must be given together")
	}
	user, err := db.GetUser(ctx, miner, wallet)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s.%s balance %s\n", user.Wallet, user.MinerID, btcutil.Amount(user.Balance))

	if db.Redis != nil {
		rate, err := db.Redis.AverageHashrate(ctx, wallet, miner)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s.%s average hashrate %.2f GH/s\n", wallet, miner, rate/1e9)
	}
	return nil
}
