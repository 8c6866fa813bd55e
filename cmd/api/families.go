package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/klint-ai/klint-gpt/internal/config"
	"github.com/klint-ai/klint-gpt/internal/llm"
)

func newFamiliesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "families",
		Short: "Print the model family registry and which slots are provisioned",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := loadConfig(cmd)
			registry, families, err := cfg.BuildRegistry()
			if err != nil {
				return err
			}
			return printFamilies(cmd.OutOrStdout(), registry, families)
		},
	}
}

func printFamilies(out io.Writer, registry *llm.Registry, families config.FamiliesConfig) error {
	fmt.Fprintf(out, "default: %s  vision: %s  summary: %s  document: %s\n\n",
		families.Default, families.Vision, families.Summary, families.Document)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FAMILY\tPROVIDER\tRPM\tTPM\tSLOT\tDEPLOYMENT\tKEY ENV\tENDPOINT ENV\tSTATUS")
	for _, fam := range registry.Families() {
		for i, s := range fam.Slots {
			status := "missing"
			if s.Provisioned() {
				status = "ok"
			}
			deployment := s.Deployment()
			if deployment == "" {
				deployment = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
				fam.ID, fam.Provider, fam.RPM, fam.TPM, i, deployment, s.APIKeyEnv, s.EndpointEnv, status)
		}
	}
	return tw.Flush()
}
