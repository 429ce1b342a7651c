package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/ambulance/api"
	"github.com/kilianp07/ambulance/core/dispatch/audit"
	"github.com/kilianp07/ambulance/core/model"
	"github.com/kilianp07/ambulance/pkg/export"
)

var auditFlags struct {
	server    string
	token     string
	emergency string
	ambulance string
	kind      string
	outcome   string
	since     time.Duration
	limit     int
	format    string
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Export assignment audit records from a dispatch service",
	RunE:  runAudit,
}

func init() {
	f := auditCmd.Flags()
	f.StringVar(&auditFlags.server, "server", "", "dispatch API base URL (client.base_url by default)")
	f.StringVar(&auditFlags.token, "token", "", "audit bearer token (client.token by default)")
	f.StringVar(&auditFlags.emergency, "emergency", "", "emergency id")
	f.StringVar(&auditFlags.ambulance, "ambulance", "", "ambulance id")
	f.StringVar(&auditFlags.kind, "kind", "", "record kind (offer, match_failed, cancelled, transition)")
	f.StringVar(&auditFlags.outcome, "outcome", "", "offer outcome")
	f.DurationVar(&auditFlags.since, "since", 0, "only records newer than this")
	f.IntVar(&auditFlags.limit, "limit", 0, "keep the most recent records")
	f.StringVarP(&auditFlags.format, "format", "o", "json", "output format (json or csv)")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if auditFlags.server != "" {
		cfg.Client.BaseURL = auditFlags.server
	}
	if auditFlags.token != "" {
		cfg.Client.Token = auditFlags.token
	}
	client, err := api.NewClient(cmd.Context(), cfg.Client)
	if err != nil {
		return err
	}
	q := audit.Query{
		EmergencyID: auditFlags.emergency,
		AmbulanceID: auditFlags.ambulance,
		Kind:        audit.Kind(auditFlags.kind),
		Outcome:     model.Outcome(auditFlags.outcome),
		Limit:       auditFlags.limit,
	}
	if auditFlags.since > 0 {
		q.Start = time.Now().Add(-auditFlags.since)
	}
	records, err := client.Audit(cmd.Context(), q)
	if err != nil {
		return err
	}
	return export.Write(cmd.OutOrStdout(), auditFlags.format, records)
}
