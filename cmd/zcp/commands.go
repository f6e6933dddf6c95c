package main

import (
	"context"
	"fmt"

	"github.com/qiniu/zcp/internal/operator"
	"github.com/qiniu/zcp/internal/topology/model"
	"github.com/spf13/cobra"
)

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild the topology from the platform export, zerops.yml files and variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd.Context(), func(ctx context.Context, op *operator.Operator) error {
				topo, report, err := op.Reconcile(ctx)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(map[string]any{"report": report, "topology": topo})
				}
				fmt.Println(renderTopology(topo))
				fmt.Println(renderReport(report))
				return nil
			})
		},
	}
}

func loadTopology(cmd *cobra.Command) (*model.Topology, error) {
	var topo *model.Topology
	err := withOperator(cmd.Context(), func(_ context.Context, op *operator.Operator) error {
		var err error
		topo, err = op.Topology()
		return err
	})
	return topo, err
}

func topologyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topology [hostname]",
		Short: "Show the stored topology or one service",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := loadTopology(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				svc := topo.Service(args[0])
				if svc == nil {
					return fmt.Errorf("%s: %w", args[0], operator.ErrServiceNotFound)
				}
				return printJSON(svc)
			}
			if jsonOutput() {
				return printJSON(topo)
			}
			fmt.Println(renderTopology(topo))
			fmt.Println(renderIssues(topo.Issues))
			return nil
		},
	}
}

func pairsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pairs",
		Short: "List development to stage pairs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := loadTopology(cmd)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(topo.Pairs)
			}
			fmt.Println(renderPairs(topo))
			return nil
		},
	}
}

func deployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <source-hostname> <target-hostname|target-service-id>",
		Short: "Push source into target under a fresh version and wait until it is active",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd.Context(), func(ctx context.Context, op *operator.Operator) error {
				av, err := op.Deploy(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(av)
				}
				fmt.Println(renderActiveVersion(av))
				return nil
			})
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <hostname>",
		Short: "Diagnose whether a service is serving",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd.Context(), func(ctx context.Context, op *operator.Operator) error {
				d, err := op.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(d)
				}
				fmt.Println(renderDiagnosis(d))
				return nil
			})
		},
	}
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent deployment attempts from the history store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd.Context(), func(ctx context.Context, op *operator.Operator) error {
				items, err := op.RecentAttempts(ctx, limit)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(items)
				}
				fmt.Println(renderAttempts(items))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of attempts")
	return cmd
}
