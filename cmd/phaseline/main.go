package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "phaseline",
	Short: "Phaseline CLI",
	Long: `Phaseline runs escrow transactions as ordered blocks of obligations.
Core concepts:
- Transaction: the deal between a buyer and a seller, with a date range. Drafted, then activated, then completed.
- Block: one phase of the deal (deposit, shipping, inspection). Blocks tile the date range in order; exactly one is active at a time.
- Approval policy: how a block gets signed off (SINGLE, ALL, ANY, THRESHOLD). Policies can be shared between blocks.
- Work rule: a recurring obligation inside a block (weekly tracking update, final report). Rules expand into dated work items on activation.
- Work item: one dated obligation. It is submitted, then approved or rejected; rejected items can be resubmitted.
- Approving a block closes it and activates the next; approving the last block completes the transaction.
- Activity log: append-only diary of everything that happened, view with 'phaseline log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PHASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("role", "BUYER", "actor role for the activity log (BUYER, SELLER, VERIFIER)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(txCmd())
	rootCmd.AddCommand(blockCmd())
	rootCmd.AddCommand(approverCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
}

func actorRole() string {
	return strings.ToUpper(strings.TrimSpace(viper.GetString("role")))
}

func txCmd() *cobra.Command {
	tx := &cobra.Command{Use: "tx", Short: "Manage transactions"}
	tx.AddCommand(txCreateCmd())
	tx.AddCommand(txListCmd())
	tx.AddCommand(txShowCmd())
	tx.AddCommand(txUpdateCmd())
	tx.AddCommand(txDatesCmd())
	tx.AddCommand(txSummaryCmd())
	tx.AddCommand(txLifecycleCmd("activate", "Activate a draft transaction",
		func(ctx context.Context, e engine.Engine, id string) (domain.Transaction, error) {
			return e.ActivateTransaction(ctx, id, actorRole())
		}))
	tx.AddCommand(txLifecycleCmd("pause", "Pause an active transaction",
		func(ctx context.Context, e engine.Engine, id string) (domain.Transaction, error) {
			return e.PauseTransaction(ctx, id, actorRole())
		}))
	tx.AddCommand(txLifecycleCmd("resume", "Resume a paused transaction",
		func(ctx context.Context, e engine.Engine, id string) (domain.Transaction, error) {
			return e.ResumeTransaction(ctx, id, actorRole())
		}))
	return tx
}

func txCreateCmd() *cobra.Command {
	var opts engine.TransactionCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.InitiatorRole == "" {
				opts.InitiatorRole = actorRole()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateTransaction(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "transaction id (optional, random UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.InitiatorID, "initiator-id", "", "initiator user id")
	cmd.Flags().StringVar(&opts.InitiatorRole, "initiator-role", "", "BUYER or SELLER (defaults to --role)")
	cmd.Flags().StringVar(&opts.BuyerID, "buyer-id", "", "buyer user id")
	cmd.Flags().StringVar(&opts.SellerID, "seller-id", "", "seller user id")
	cmd.Flags().StringVar(&opts.StartDate, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.EndDate, "end", "", "end date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func txListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items := a.Store.ListTransactions()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "TITLE", "STATUS", "START", "END"})
				for _, tx := range items {
					t.AppendRow(table.Row{tx.ID, tx.Title, tx.Status, tx.StartDate, tx.EndDate})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	return cmd
}

func txShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a transaction's full graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, err := a.Store.Snapshot(args[0])
				if err != nil {
					return fmt.Errorf("transaction %s not found", args[0])
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func txUpdateCmd() *cobra.Command {
	var title, description string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a draft transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var titlePtr, descPtr *string
			if cmd.Flags().Changed("title") {
				titlePtr = &title
			}
			if cmd.Flags().Changed("description") {
				descPtr = &description
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.UpdateTransaction(ctx, args[0], titlePtr, descPtr, actorRole())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func txDatesCmd() *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "dates <id>",
		Short: "Set a draft transaction's date range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.SetTransactionDates(ctx, args[0], start, end, actorRole())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func txSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary <id>",
		Short: "Show transaction progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.Summarize(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Transaction: %s (%s)\n", s.Transaction.Title, s.Transaction.Status)
				fmt.Printf("Blocks: %d\n", s.BlockCount)
				if s.ActiveBlock != nil {
					fmt.Printf("Active block: %s (%s..%s)\n", s.ActiveBlock.Title, s.ActiveBlock.StartDate, s.ActiveBlock.EndDate)
				} else {
					fmt.Println("Active block: none")
				}
				if len(s.ItemsByState) > 0 {
					fmt.Println("Work items:")
					for status, n := range s.ItemsByState {
						fmt.Printf("  %s: %d\n", status, n)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func txLifecycleCmd(use, short string, fn func(context.Context, engine.Engine, string) (domain.Transaction, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := fn(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func blockCmd() *cobra.Command {
	block := &cobra.Command{Use: "block", Short: "Manage blocks"}
	block.AddCommand(blockAddCmd())
	block.AddCommand(blockAutoSplitCmd())
	block.AddCommand(blockListCmd())
	block.AddCommand(blockUpdateCmd())
	block.AddCommand(blockDeleteCmd())
	block.AddCommand(blockSplitCmd())
	block.AddCommand(blockReorderCmd())
	block.AddCommand(blockApproveCmd())
	block.AddCommand(blockPolicyCmd())
	return block
}

func policyFlags(cmd *cobra.Command, policyType *string, threshold *int) {
	cmd.Flags().StringVar(policyType, "policy", "SINGLE", "approval policy (SINGLE, ALL, ANY, THRESHOLD)")
	cmd.Flags().IntVar(threshold, "threshold", 0, "approvals needed for THRESHOLD policy")
}

func policySpec(cmd *cobra.Command, policyType string, threshold int) engine.PolicySpec {
	spec := engine.PolicySpec{Type: strings.ToUpper(policyType)}
	if cmd.Flags().Changed("threshold") {
		spec.Threshold = &threshold
	}
	return spec
}

func blockAddCmd() *cobra.Command {
	var txID, title, start, end, policyType string
	var threshold int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a block to a draft transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.AddBlock(ctx, engine.BlockCreateOptions{
					TransactionID: txID,
					Title:         title,
					StartDate:     start,
					EndDate:       end,
					Policy:        policySpec(cmd, policyType, threshold),
					ActorRole:     actorRole(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&txID, "tx", "", "transaction id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD)")
	policyFlags(cmd, &policyType, &threshold)
	_ = cmd.MarkFlagRequired("tx")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func blockAutoSplitCmd() *cobra.Command {
	var txID, title, policyType string
	var threshold int
	cmd := &cobra.Command{
		Use:   "autosplit",
		Short: "Add a block, halving the last block when the range is full",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.AddBlockWithAutoSplit(ctx, txID, title, policySpec(cmd, policyType, threshold), actorRole())
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&txID, "tx", "", "transaction id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	policyFlags(cmd, &policyType, &threshold)
	_ = cmd.MarkFlagRequired("tx")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func blockListCmd() *cobra.Command {
	var txID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a transaction's blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Store.GetTransaction(txID); err != nil {
					return fmt.Errorf("transaction %s not found", txID)
				}
				blocks := a.Store.GetBlocks(txID)
				if viper.GetBool("json") {
					return printJSON(blocks)
				}
				t := newTable()
				t.AppendHeader(table.Row{"#", "ID", "TITLE", "START", "END", "ACTIVE"})
				for _, b := range blocks {
					t.AppendRow(table.Row{b.OrderIndex, b.ID, b.Title, b.StartDate, b.EndDate, b.IsActive})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&txID, "tx", "", "transaction id")
	_ = cmd.MarkFlagRequired("tx")
	return cmd
}

func blockUpdateCmd() *cobra.Command {
	var title, start, end string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.BlockUpdateOptions{BlockID: args[0], ActorRole: actorRole()}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("start") {
				opts.StartDate = &start
			}
			if cmd.Flags().Changed("end") {
				opts.EndDate = &end
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.UpdateBlock(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "end date (YYYY-MM-DD)")
	return cmd
}

func blockDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.DeleteBlock(ctx, args[0], actorRole())
			})
		},
	}
}

func blockSplitCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "split <id>",
		Short: "Split a block at a date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				first, second, err := a.Engine.SplitBlock(ctx, args[0], at, actorRole())
				if err != nil {
					return err
				}
				return printJSONOrTable([]domain.Block{first, second})
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "split date (YYYY-MM-DD); becomes the second half's start")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func blockReorderCmd() *cobra.Command {
	var position int
	cmd := &cobra.Command{
		Use:   "reorder <id>",
		Short: "Move a block to a new position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.ReorderBlock(ctx, args[0], position, actorRole())
			})
		},
	}
	cmd.Flags().IntVar(&position, "to", 0, "new 1-based position")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func blockApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve the active block and advance the transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.ApproveBlock(ctx, args[0], actorRole()); err != nil {
					return err
				}
				b, err := a.Store.GetBlock(args[0])
				if err != nil {
					return err
				}
				t, err := a.Store.GetTransaction(b.TransactionID)
				if err != nil {
					return err
				}
				fmt.Printf("Block %q approved; transaction is now %s\n", b.Title, t.Status)
				return nil
			})
		},
	}
}

func blockPolicyCmd() *cobra.Command {
	var policyType string
	var threshold int
	cmd := &cobra.Command{
		Use:   "policy <block-id>",
		Short: "Replace a block's approval policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreateApprovalPolicy(ctx, args[0], policySpec(cmd, policyType, threshold), actorRole())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	policyFlags(cmd, &policyType, &threshold)
	return cmd
}

func approverCmd() *cobra.Command {
	approver := &cobra.Command{Use: "approver", Short: "Manage block approvers"}
	approver.AddCommand(approverAddCmd())
	approver.AddCommand(approverRemoveCmd())
	return approver
}

func approverAddCmd() *cobra.Command {
	var blockID, role, userID string
	var required bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an approver to a block",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ap, err := a.Engine.AddBlockApprover(ctx, engine.ApproverOptions{
					BlockID:   blockID,
					Role:      strings.ToUpper(role),
					UserID:    userID,
					Required:  required,
					ActorRole: actorRole(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(ap)
			})
		},
	}
	cmd.Flags().StringVar(&blockID, "block", "", "block id")
	cmd.Flags().StringVar(&role, "approver-role", "", "BUYER, SELLER, or VERIFIER")
	cmd.Flags().StringVar(&userID, "user-id", "", "user id (optional)")
	cmd.Flags().BoolVar(&required, "required", true, "approval is required")
	_ = cmd.MarkFlagRequired("block")
	_ = cmd.MarkFlagRequired("approver-role")
	return cmd
}

func approverRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an approver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.DeleteBlockApprover(ctx, args[0], actorRole())
			})
		},
	}
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{Use: "rule", Short: "Manage work rules"}
	rule.AddCommand(ruleAddCmd())
	rule.AddCommand(ruleRemoveCmd())
	return rule
}

func ruleAddCmd() *cobra.Command {
	var blockID, workType, title, frequency string
	var quantity int
	var dueDays []int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a work rule to a block",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Engine.AddWorkRule(ctx, engine.WorkRuleOptions{
					BlockID:   blockID,
					WorkType:  workType,
					Title:     title,
					Quantity:  quantity,
					Frequency: strings.ToUpper(frequency),
					DueDays:   dueDays,
					ActorRole: actorRole(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&blockID, "block", "", "block id")
	cmd.Flags().StringVar(&workType, "type", "document", "work type")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().IntVar(&quantity, "quantity", 1, "how many items the rule produces")
	cmd.Flags().StringVar(&frequency, "frequency", "ONCE", "ONCE, DAILY, WEEKLY, or CUSTOM")
	cmd.Flags().IntSliceVar(&dueDays, "due-day", nil, "explicit due day offset from the transaction start, 1-based (repeatable)")
	_ = cmd.MarkFlagRequired("block")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func ruleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a work rule and its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.DeleteWorkRule(ctx, args[0], actorRole())
			})
		},
	}
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage work items"}
	item.AddCommand(itemListCmd())
	item.AddCommand(itemTransitionCmd("submit", "Submit a work item",
		func(ctx context.Context, e engine.Engine, id string) (domain.WorkItem, error) {
			return e.SubmitWorkItem(ctx, id, actorRole())
		}))
	item.AddCommand(itemTransitionCmd("approve", "Approve a submitted work item",
		func(ctx context.Context, e engine.Engine, id string) (domain.WorkItem, error) {
			return e.ApproveWorkItem(ctx, id, actorRole())
		}))
	item.AddCommand(itemTransitionCmd("reject", "Reject a submitted work item",
		func(ctx context.Context, e engine.Engine, id string) (domain.WorkItem, error) {
			return e.RejectWorkItem(ctx, id, actorRole())
		}))
	return item
}

func itemListCmd() *cobra.Command {
	var blockID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a block's work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if _, err := a.Store.GetBlock(blockID); err != nil {
					return fmt.Errorf("block %s not found", blockID)
				}
				items := a.Store.GetWorkItemsByBlock(blockID)
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "DUE DAY", "STATUS"})
				for _, it := range items {
					t.AppendRow(table.Row{it.ID, it.DueDay, it.Status})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&blockID, "block", "", "block id")
	_ = cmd.MarkFlagRequired("block")
	return cmd
}

func itemTransitionCmd(use, short string, fn func(context.Context, engine.Engine, string) (domain.WorkItem, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := fn(ctx, a.Engine, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage deal templates"}
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateExpandCmd())
	return tpl
}

func templateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List templates in the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if viper.GetBool("json") {
					return printJSON(a.Config.Templates)
				}
				t := newTable()
				t.AppendHeader(table.Row{"NAME", "TITLE", "BLOCKS", "SPAN DAYS"})
				for name, tpl := range a.Config.Templates {
					t.AppendRow(table.Row{name, tpl.Title, len(tpl.Blocks), tpl.TotalSpanDays()})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
}

func templateExpandCmd() *cobra.Command {
	var name, start, title, initiatorID, buyerID, sellerID string
	cmd := &cobra.Command{
		Use:   "expand",
		Short: "Create a draft transaction from a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				g, err := a.Engine.ExpandTemplate(ctx, name, start, engine.TransactionCreateOptions{
					Title:         title,
					InitiatorID:   initiatorID,
					InitiatorRole: actorRole(),
					BuyerID:       buyerID,
					SellerID:      sellerID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "template name")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&title, "title", "", "title override")
	cmd.Flags().StringVar(&initiatorID, "initiator-id", "", "initiator user id")
	cmd.Flags().StringVar(&buyerID, "buyer-id", "", "buyer user id")
	cmd.Flags().StringVar(&sellerID, "seller-id", "", "seller user id")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the activity log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var txID string
	var after int64
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail a transaction's activity log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Engine.ListLogs(txID, after, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				t := newTable()
				t.AppendHeader(table.Row{"ID", "TS", "ROLE", "ACTION"})
				for _, e := range entries {
					t.AppendRow(table.Row{e.ID, e.TS, e.ActorRole, e.Action})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&txID, "tx", "", "transaction id")
	cmd.Flags().Int64Var(&after, "after", 0, "only entries after this log id")
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	_ = cmd.MarkFlagRequired("tx")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret:             os.Getenv("PHASELINE_JWT_SECRET"),
					AllowLegacyRoleHeader: os.Getenv("PHASELINE_ALLOW_ROLE_HEADER") != "",
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Phaseline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage the template catalog"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default phaseline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the loaded template catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSONOrTable(a.Config)
			})
		},
	})
	return cfg
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	return t
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
