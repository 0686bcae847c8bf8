package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/paasctl/paasctl/internal/state"
	"github.com/paasctl/paasctl/pkg/rollback"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the tenant's deployment status",
	Long: `Show the tenant's current deployment: lifecycle status, per-service
health, and whether a rollback is possible.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := output()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	states, err := newStateManager(cfg, out)
	if err != nil {
		return err
	}

	st, err := states.Load()
	if err != nil {
		return err
	}
	if st == nil {
		out.Info("No deployment recorded for %s", cfg.Tenant)
		return nil
	}

	out.Section("Status: " + cfg.Tenant)
	out.KeyValue("Deployment", st.DeploymentID)
	out.KeyValue("Status", string(st.Status))
	out.KeyValue("Runtime", string(st.Runtime))
	if st.Domain != "" {
		out.KeyValue("Domain", st.Domain)
	}
	out.KeyValue("VM", fmt.Sprintf("%s@%s", st.VMUser, st.VMHost))
	out.KeyValue("Started", st.StartedAt.Local().Format(time.RFC3339))
	out.KeyValue("Updated", st.UpdatedAt.Local().Format(time.RFC3339))

	if len(st.Services) > 0 {
		rows := make([][]string, 0, len(st.Services))
		for _, svc := range sortedServices(st) {
			rows = append(rows, []string{
				svc.Name,
				string(svc.Status),
				fmt.Sprintf("%d", svc.HealthCheckFailures),
				svc.Image,
			})
		}
		out.Plain("")
		out.Table([]string{"SERVICE", "STATUS", "FAILURES", "IMAGE"}, rows)
	}

	if !states.IsDeploymentRunning() {
		out.Warning("deployment is not running (status: %s)", st.Status)
	}

	out.Plain("")
	ctrl := rollback.NewController(states, nil, nil, out)
	if ok, reason := ctrl.CanRollback(); ok {
		out.KeyValue("Rollback", "available (to "+st.PreviousDeploymentID+")")
	} else {
		out.KeyValue("Rollback", reason)
	}

	if unhealthy := states.GetUnhealthyServices(); len(unhealthy) > 0 {
		out.Warning("unhealthy services: %v", unhealthy)
	}
	return nil
}

// sortedServices returns the deployment's services in name order.
func sortedServices(st *state.DeploymentState) []*state.ServiceState {
	names := make([]string, 0, len(st.Services))
	for name := range st.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	services := make([]*state.ServiceState, 0, len(names))
	for _, name := range names {
		services = append(services, st.Services[name])
	}
	return services
}
