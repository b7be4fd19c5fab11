package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/coveragecheck/coveragecheck/internal/model"
)

// seedProviders and seedPlans give a fresh database something to report
// against during development.
var seedProviders = []model.Provider{
	{Name: "Dr. Alice Romero", Specialty: "Psychiatry", Taxonomy: "Psychiatry & Neurology"},
	{Name: "Dr. Ben Okafor", Specialty: "Family Medicine", Taxonomy: "Family Medicine"},
	{Name: "Dr. Carol Singh", Specialty: "Radiology", Taxonomy: "Diagnostic Radiology"},
}

var seedPlans = []model.Plan{
	{Carrier: "Blue Shield", Name: "Silver PPO 2500", PlanType: "PPO"},
	{Carrier: "Aetna", Name: "Managed Choice HMO", PlanType: "HMO"},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert demo providers and plans",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return err
		}

		for _, p := range seedProviders {
			p.ID = uuid.New().String()
			if err := st.CreateProvider(ctx, &p); err != nil {
				return err
			}
			fmt.Printf("provider %s  %s\n", p.ID, p.Name)
		}
		for _, p := range seedPlans {
			p.ID = uuid.New().String()
			if err := st.CreatePlan(ctx, &p); err != nil {
				return err
			}
			fmt.Printf("plan     %s  %s %s\n", p.ID, p.Carrier, p.Name)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
