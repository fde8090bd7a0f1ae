// Command localrouter-cli is the offline administration tool for a
// LocalRouter deployment. It operates directly on the deployment YAML
// file and its configured credential store -- there is no admin HTTP
// API (spec §1: local, single-operator gateway, no remote control
// plane) -- so every command is a short-lived process that loads the
// same Config a running gateway would, does one thing, and exits.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/localrouter/localrouter/clients"
	"github.com/localrouter/localrouter/internal/deploy"
	"github.com/localrouter/localrouter/internal/version"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:     "localrouter-cli",
		Short:   "Administer a LocalRouter deployment's clients and credentials",
		Version: version.String(),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "localrouter.yaml", "path to the deployment config file")

	root.AddCommand(newClientCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage gateway clients and their secrets",
	}
	cmd.AddCommand(
		newClientListCmd(),
		newClientCreateCmd(),
		newClientRotateCmd(),
		newClientDeleteCmd(),
	)
	return cmd
}

// loadManager builds a clients.Manager against the deployment's
// configured credential store and pre-registers every client the
// deployment YAML declares, mirroring what cmd/localrouter does at
// startup. CLI commands that mutate a client's enabled/permission state
// must still edit the YAML directly -- that state lives in the config
// file, not the credential store, and this process exits before any
// change could be persisted back to it.
func loadManager(ctx context.Context) (*clients.Manager, *deploy.Config, error) {
	cfg, err := deploy.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	store := deploy.BuildCredStore(cfg.CredentialStore)
	mgr := clients.NewManager(store)
	if _, err := deploy.BootstrapClients(ctx, mgr, nil, cfg.Clients); err != nil {
		return nil, nil, fmt.Errorf("bootstrapping clients: %w", err)
	}
	return mgr, cfg, nil
}

func newClientListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every client declared in the deployment config",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := loadManager(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range mgr.List() {
				status := "enabled"
				if !c.Enabled {
					status = "disabled"
				}
				fmt.Printf("%-24s %-20s %-10s strategy=%s\n", c.ID, c.Name, status, c.StrategyID)
			}
			return nil
		},
	}
}

// newClientCreateCmd provisions a secret for a brand-new client id that
// is not yet declared in the deployment YAML. The operator is expected
// to add a matching entry under clients: afterward so the running
// gateway picks up its permissions and strategy; the secret printed here
// still validates once it does, since both read from the same
// credential store.
func newClientCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Provision a new client secret in the credential store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deploy.LoadConfig(configPath)
			if err != nil {
				return err
			}
			store := deploy.BuildCredStore(cfg.CredentialStore)
			mgr := clients.NewManager(store)
			id, secret, err := mgr.Create(cmd.Context(), name, "")
			if err != nil {
				return err
			}
			fmt.Printf("client_id=%s secret=%s\n", id, secret)
			fmt.Println("add a matching entry under clients: in the deployment config to activate it")
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name for the new client")
	return cmd
}

func newClientRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-secret <client-id>",
		Short: "Generate and store a fresh secret for an existing client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, err := loadManager(cmd.Context())
			if err != nil {
				return err
			}
			secret, err := mgr.RotateSecret(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("client_id=%s secret=%s\n", args[0], secret)
			return nil
		},
	}
}

func newClientDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <client-id>",
		Short: "Remove a client's secret from the credential store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deploy.LoadConfig(configPath)
			if err != nil {
				return err
			}
			store := deploy.BuildCredStore(cfg.CredentialStore)
			mgr := clients.NewManager(store)
			if err := mgr.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("deleted " + args[0])
			fmt.Println("remove its entry under clients: in the deployment config to finish decommissioning it")
			return nil
		},
	}
}
