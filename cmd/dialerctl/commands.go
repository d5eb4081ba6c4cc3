package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"campaign-dialer/internal/campaigns"
	"campaign-dialer/internal/reporting"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func campaignsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "campaigns", Aliases: []string{"campaign", "c"}, Short: "Manage dialing campaigns"}
	cmd.AddCommand(campaignListCmd())
	cmd.AddCommand(campaignShowCmd())
	cmd.AddCommand(campaignCreateCmd())
	cmd.AddCommand(campaignStatusCmd("start", "Start dialing a draft campaign"))
	cmd.AddCommand(campaignStatusCmd("pause", "Stop admitting new calls; calls in flight finish"))
	cmd.AddCommand(campaignStatusCmd("resume", "Resume a paused campaign"))
	return cmd
}

func campaignListCmd() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().listCampaigns(cmd.Context(), accountID)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), items)
			}
			renderCampaigns(cmd.OutOrStdout(), items)
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id (admin only)")
	return cmd
}

func campaignShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <campaign-id>",
		Short: "Show campaign progress and rates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := newClient().campaignSummary(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), sum)
			}
			renderSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}
}

func campaignCreateCmd() *cobra.Command {
	var o createOptions
	var numbers string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft campaign from a number list or file",
		Example: `  dialerctl campaigns create --name spring --numbers 15550100001,15550100002
  dialerctl campaigns create --name spring --file leads.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.Name == "" {
				return errors.New("--name is required")
			}
			if numbers != "" {
				o.Numbers = strings.Split(numbers, ",")
			}
			if o.File == "" && len(o.Numbers) == 0 {
				return errors.New("one of --numbers or --file is required")
			}
			c, err := newClient().createCampaign(cmd.Context(), o)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), c)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%d targets, %s)\n", c.ID, c.TotalTargets, c.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&o.Name, "name", "", "campaign name")
	cmd.Flags().StringVar(&o.CallerID, "caller-id", "", "caller id presented to destinations")
	cmd.Flags().StringVar(&o.AccountID, "account", "", "owning account (admin only)")
	cmd.Flags().StringVar(&numbers, "numbers", "", "comma separated destinations")
	cmd.Flags().StringVar(&o.File, "file", "", "CSV (first column) or one number per line")
	return cmd
}

func campaignStatusCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <campaign-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient().setStatus(cmd.Context(), args[0], verb)
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.Status == 402 {
				return fmt.Errorf("%w (top up the account, then retry)", err)
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), c)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is %s\n", c.ID, c.Status)
			return nil
		},
	}
}

func balanceCmd() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show credit balance and campaign totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := newClient().account(cmd.Context(), accountID)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), sum)
			}
			renderAccount(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account id (admin only)")
	return cmd
}

func grantCmd() *cobra.Command {
	var accountID, amount, ref, reason string
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Credit an account (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if accountID == "" {
				return errors.New("--account is required")
			}
			amt, err := decimal.NewFromString(amount)
			if err != nil || !amt.IsPositive() {
				return fmt.Errorf("--amount must be a positive decimal, got %q", amount)
			}
			if ref == "" {
				ref = "manual-" + uuid.NewString()
			}
			res, err := newClient().grant(cmd.Context(), ref, accountID, amt, reason)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (available %s)\n", ref, res.Status, res.Available)
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account to credit")
	cmd.Flags().StringVar(&amount, "amount", "", "amount, e.g. 25.00")
	cmd.Flags().StringVar(&ref, "ref", "", "payment reference; reuse it to retry safely")
	cmd.Flags().StringVar(&reason, "reason", "", "note stored with the grant")
	return cmd
}

func renderCampaigns(w io.Writer, items []campaigns.Campaign) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Name", "Status", "Targets", "Done", "Answered", "Pressed", "Cost"})
	for _, c := range items {
		status := string(c.Status)
		if c.PauseReason != campaigns.PauseNone {
			status += " (" + string(c.PauseReason) + ")"
		}
		tw.AppendRow(table.Row{c.ID, c.Name, status, c.TotalTargets, c.Completed + c.Failed, c.Answered, c.Pressed, c.Cost.StringFixed(2)})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
	})
	tw.Render()
}

func renderSummary(w io.Writer, s reporting.CampaignSummary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle(s.Name + " [" + s.CampaignID + "]")
	tw.AppendRow(table.Row{"Status", string(s.Status)})
	if s.PauseReason != campaigns.PauseNone {
		tw.AppendRow(table.Row{"Paused because", strings.TrimSuffix(string(s.PauseReason)+": "+s.PauseDetail, ": ")})
	}
	tw.AppendRow(table.Row{"Progress", fmt.Sprintf("%.1f%% of %d", s.Progress*100, s.TotalTargets)})
	tw.AppendRow(table.Row{"Pending / in flight", fmt.Sprintf("%d / %d", s.Pending, s.InFlight)})
	tw.AppendRow(table.Row{"Completed / failed", fmt.Sprintf("%d / %d", s.Completed, s.Failed)})
	tw.AppendRow(table.Row{"Answered", fmt.Sprintf("%d (%.1f%%)", s.Answered, s.AnswerRate*100)})
	tw.AppendRow(table.Row{"Pressed", fmt.Sprintf("%d (%.1f%% of answered)", s.Pressed, s.ConversionRate*100)})
	tw.AppendRow(table.Row{"Spend", s.Spend.StringFixed(2)})
	if s.StartedAt != nil {
		tw.AppendRow(table.Row{"Started", s.StartedAt.Local().Format(time.DateTime)})
	}
	if s.FinishedAt != nil {
		tw.AppendRow(table.Row{"Finished", s.FinishedAt.Local().Format(time.DateTime)})
	}
	tw.Render()
}

func renderAccount(w io.Writer, a reporting.AccountSummary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetTitle("Account " + a.AccountID)
	tw.AppendRow(table.Row{"Balance", a.Balance.StringFixed(2)})
	tw.AppendRow(table.Row{"Held for live calls", a.Held.StringFixed(2)})
	tw.AppendRow(table.Row{"Available", a.Available.StringFixed(2)})
	tw.AppendRow(table.Row{"Lifetime spend", a.LifetimeSpend.StringFixed(2)})
	tw.AppendRow(table.Row{"Active campaigns", a.ActiveCampaigns})
	tw.AppendRow(table.Row{"Calls / pressed", fmt.Sprintf("%d / %d", a.TotalCalls, a.TotalPressed)})
	tw.Render()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
