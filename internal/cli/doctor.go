package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animus-coder/taskplane/internal/adapter"
	"github.com/animus-coder/taskplane/internal/budget"
	"github.com/animus-coder/taskplane/internal/llm/configbuilder"
	"github.com/animus-coder/taskplane/internal/routing"
)

type doctorReport struct {
	Providers   int                 `json:"providers" yaml:"providers"`
	Models      []string            `json:"models" yaml:"models"`
	Chains      map[string][]string `json:"chains" yaml:"chains"`
	Host        string              `json:"host" yaml:"host"`
	LedgerPath  string              `json:"ledger_path" yaml:"ledger_path"`
	SessionID   string              `json:"session_id" yaml:"session_id"`
	ContractDir string              `json:"contract_dir" yaml:"contract_dir"`
	ArchiveDB   string              `json:"archive_db,omitempty" yaml:"archive_db,omitempty"`
	Metrics     bool                `json:"metrics" yaml:"metrics"`
	Warnings    []string            `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// NewDoctorCmd returns a health-check command validating config and environment.
// It reads state but never writes it.
func NewDoctorCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Validate configuration and environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			reg, err := configbuilder.BuildRegistryFromConfig(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("providers: %w", err)
			}
			table := configbuilder.BuildCostTable(cfg)
			engine := routing.NewEngine(cfg.Routing.Chains, table, cfg.Routing.DefaultComplexity)

			report := doctorReport{
				Providers:   len(cfg.Providers),
				Models:      reg.Models(),
				Chains:      engine.Chains(),
				LedgerPath:  cfg.Budget.LedgerPath,
				ContractDir: cfg.Contract.Dir,
				ArchiveDB:   cfg.Contract.ArchiveDB,
				Metrics:     cfg.Server.MetricsEnabled,
			}

			report.Host = string(adapter.Kind(strings.ToLower(strings.TrimSpace(cfg.Adapter.Host))))
			if report.Host == "" {
				report.Host = string(adapter.Detect(adapter.EnvFromList(os.Environ())))
			}

			ledger, err := budget.Open(cfg.Budget.LedgerPath, budget.Limits{
				SessionUSD: cfg.Budget.SessionLimitUSD,
				DailyUSD:   cfg.Budget.DailyLimitUSD,
			}, table)
			if err != nil {
				report.Warnings = append(report.Warnings, "ledger: "+err.Error())
			} else {
				report.SessionID = ledger.Status().SessionID
			}

			for task, chain := range report.Chains {
				for _, id := range chain {
					if _, _, err := reg.Resolve(id); err != nil {
						report.Warnings = append(report.Warnings, fmt.Sprintf("chain %s: %v", task, err))
					}
				}
			}
			sort.Strings(report.Warnings)

			return render(cmd, opts, report, func(w io.Writer) error {
				fmt.Fprintf(w, "Config OK. Providers: %d, models: %d\n", report.Providers, len(report.Models))
				fmt.Fprintf(w, "Host adapter: %s, metrics: %v\n", report.Host, report.Metrics)
				fmt.Fprintf(w, "Ledger: %s (session %s)\n", report.LedgerPath, report.SessionID)
				fmt.Fprintf(w, "Contracts: %s\n", report.ContractDir)
				if report.ArchiveDB != "" {
					fmt.Fprintf(w, "Archive index: %s\n", report.ArchiveDB)
				}
				for _, task := range sortedKeys(report.Chains) {
					fmt.Fprintf(w, "  %-10s %s\n", task, strings.Join(report.Chains[task], " → "))
				}
				for _, warn := range report.Warnings {
					fmt.Fprintf(w, "WARN %s\n", warn)
				}
				return nil
			})
		},
	}
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
