package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	appconfig "github.com/antinvestor/parity/apps/replayer/config"
	"github.com/antinvestor/parity/apps/replayer/service/replay"
	"github.com/antinvestor/parity/internal/comparator"
	"github.com/antinvestor/parity/internal/rpc"
)

// RunCmd performs a single replay and prints the result as JSON.
func RunCmd(load func() (*appconfig.ReplayerConfig, error)) *cobra.Command {
	var (
		payloadFile string
		merchantID  string
		retries     int
		trigger     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay one payload and print the comparison report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			raw, err := os.ReadFile(payloadFile)
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			var payload any
			if err = json.Unmarshal(raw, &payload); err != nil {
				return fmt.Errorf("payload %s: %w", payloadFile, err)
			}

			opts := []replay.Option{replay.WithDefaultRetries(cfg.DefaultRetries)}
			if !cmd.Flags().Changed("trigger") {
				trigger = cfg.TriggerCouncil
			}
			if trigger {
				opts = append(opts, replay.WithTrigger(rpc.NewCouncilClient(http.DefaultClient, cfg.OrchestratorURL)))
			}

			svc := replay.NewService(
				comparator.NewComparator(cfg.ComparatorConfig(), nil),
				cfg.LegacyURL,
				cfg.HeadlessURL,
				opts...,
			)
			res, err := svc.Replay(cmd.Context(), &replay.Request{
				Payload:    payload,
				MerchantID: merchantID,
				Retries:    retries,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	cmd.Flags().StringVar(&payloadFile, "payload", "", "JSON file holding the request payload")
	cmd.Flags().StringVar(&merchantID, "merchant", "", "merchant id sent to both endpoints")
	cmd.Flags().IntVar(&retries, "retries", 0, "candidate attempts (0 uses REPLAY_DEFAULT_RETRIES)")
	cmd.Flags().BoolVar(&trigger, "trigger", false, "submit interesting reports to the council (defaults to TRIGGER_COUNCIL)")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}
