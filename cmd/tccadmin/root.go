package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	tcc "github.com/xiaoxuxiansheng/tcctransaction"
	"github.com/xiaoxuxiansheng/tcctransaction/log"
	"github.com/xiaoxuxiansheng/tcctransaction/pkg"
	"github.com/xiaoxuxiansheng/tcctransaction/repository"
)

// adminRepository 运维命令依赖的仓储能力
type adminRepository interface {
	tcc.TransactionRepository
	FindStale(ctx context.Context, t time.Time, status tcc.TransactionStatus, limit int) ([]*tcc.Transaction, error)
	FindByGlobalID(ctx context.Context, globalID string) ([]*tcc.Transaction, error)
	ResetRetriedCount(ctx context.Context, x tcc.TransactionXid) error
	Migrate(ctx context.Context) error
}

type repositoryOpener func(dsn string) (adminRepository, error)

func openGormRepository(dsn string) (adminRepository, error) {
	db, err := pkg.NewDB(dsn)
	if err != nil {
		return nil, err
	}
	if _, err = pkg.ConfigurePool(db, pkg.WithMaxOpenConns(4), pkg.WithMaxIdleConns(1)); err != nil {
		return nil, err
	}
	return repository.NewGormRepository(db), nil
}

func newRootCommand(open repositoryOpener) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TCC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "tccadmin",
		Short:         "Inspect and repair tcc transaction records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if path := v.GetString("config"); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config %s: %w", path, err)
				}
			}
			log.SetDefaultLogger(log.NewSugarLogger(log.NewOptions(
				log.WithConsole(),
				log.WithLogLevel(v.GetString("log-level")),
			)))
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.String("dsn", "", "mysql dsn of the transaction store")
	flags.String("log-level", "warn", "log level: debug, info, warn, error")
	for _, key := range []string{"config", "dsn", "log-level"} {
		mustBindFlag(v, key, flags)
	}

	withRepository := func(run func(ctx context.Context, cmd *cobra.Command, repo adminRepository, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			dsn := v.GetString("dsn")
			if dsn == "" {
				return errors.New("dsn is required (--dsn or TCC_DSN)")
			}
			repo, err := open(dsn)
			if err != nil {
				return fmt.Errorf("open transaction store: %w", err)
			}
			return run(cmd.Context(), cmd, repo, args)
		}
	}

	cmd.AddCommand(
		newListCommand(withRepository),
		newShowCommand(withRepository),
		newDeleteCommand(withRepository),
		newResetCommand(withRepository),
		newMigrateCommand(withRepository),
	)
	return cmd
}

func mustBindFlag(v *viper.Viper, key string, flags *pflag.FlagSet) {
	if err := v.BindPFlag(key, flags.Lookup(key)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

type repositoryRunner func(run func(ctx context.Context, cmd *cobra.Command, repo adminRepository, args []string) error) func(*cobra.Command, []string) error

func newListCommand(with repositoryRunner) *cobra.Command {
	var (
		olderThan time.Duration
		limit     int
		status    string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions not updated within --older-than",
		Args:  cobra.NoArgs,
		RunE: with(func(ctx context.Context, cmd *cobra.Command, repo adminRepository, args []string) error {
			txStatus, err := parseStatus(status)
			if err != nil {
				return err
			}
			txs, err := repo.FindStale(ctx, time.Now().Add(-olderThan), txStatus, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "XID\tTYPE\tSTATUS\tRETRIED\tPARTICIPANTS\tSIZE\tUPDATED")
			for _, tx := range txs {
				content, err := tcc.EncodeTransaction(tx)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					tx.Xid, tx.Type, tx.Status, tx.RetriedCount, len(tx.Participants),
					humanize.Bytes(uint64(len(content))), humanize.Time(tx.UpdatedAt))
			}
			return w.Flush()
		}),
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only list transactions not updated within this duration")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows to print, 0 means no limit")
	cmd.Flags().StringVar(&status, "status", "", "only list transactions in this status: trying, confirming, cancelling")
	return cmd
}

// 空串表示不过滤
func parseStatus(raw string) (tcc.TransactionStatus, error) {
	if raw == "" {
		return 0, nil
	}
	for _, status := range []tcc.TransactionStatus{tcc.Trying, tcc.Confirming, tcc.Cancelling} {
		if strings.EqualFold(raw, status.String()) {
			return status, nil
		}
	}
	return 0, fmt.Errorf("invalid status: %q", raw)
}

func newShowCommand(with repositoryRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "show <xid>",
		Short: "Print transactions as json; a global id prints the root and all local branches",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(ctx context.Context, cmd *cobra.Command, repo adminRepository, args []string) error {
			x, err := tcc.ParseXid(args[0])
			if err != nil {
				return err
			}

			var txs []*tcc.Transaction
			if x.BranchQualifier == "" {
				if txs, err = repo.FindByGlobalID(ctx, x.GlobalID); err != nil {
					return err
				}
			} else {
				tx, err := repo.FindByXid(ctx, x)
				if err != nil {
					return err
				}
				if tx != nil {
					txs = append(txs, tx)
				}
			}
			if len(txs) == 0 {
				return fmt.Errorf("%w: %s", tcc.ErrNoExistedTransaction, x)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(txs)
		}),
	}
}

func newDeleteCommand(with repositoryRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <xid>",
		Short: "Delete a transaction record",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(ctx context.Context, cmd *cobra.Command, repo adminRepository, args []string) error {
			tx, err := findTransaction(ctx, repo, args[0])
			if err != nil {
				return err
			}
			if err = repo.Delete(ctx, tx); err != nil {
				return err
			}
			log.Warnf("transaction deleted by admin, xid: %s, status: %s", tx.Xid, tx.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", tx.Xid)
			return nil
		}),
	}
}

func newResetCommand(with repositoryRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <xid>",
		Short: "Reset the retried count so recovery picks the transaction up again",
		Args:  cobra.ExactArgs(1),
		RunE: with(func(ctx context.Context, cmd *cobra.Command, repo adminRepository, args []string) error {
			tx, err := findTransaction(ctx, repo, args[0])
			if err != nil {
				return err
			}
			if err = repo.ResetRetriedCount(ctx, tx.Xid); err != nil {
				return err
			}
			log.Infof("retried count reset, xid: %s, was: %d", tx.Xid, tx.RetriedCount)
			fmt.Fprintf(cmd.OutOrStdout(), "reset %s\n", tx.Xid)
			return nil
		}),
	}
}

func newMigrateCommand(with repositoryRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the transaction table if it does not exist",
		Args:  cobra.NoArgs,
		RunE: with(func(ctx context.Context, cmd *cobra.Command, repo adminRepository, args []string) error {
			if err := repo.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrated")
			return nil
		}),
	}
}

func findTransaction(ctx context.Context, repo adminRepository, raw string) (*tcc.Transaction, error) {
	x, err := tcc.ParseXid(raw)
	if err != nil {
		return nil, err
	}
	tx, err := repo.FindByXid(ctx, x)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: %s", tcc.ErrNoExistedTransaction, x)
	}
	return tx, nil
}
