package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"crmflow/internal/store"
)

var customersCmd = &cobra.Command{
	Use:   "customers",
	Short: "Manage the customer base used for audience resolution",
}

var customersImportCmd = &cobra.Command{
	Use:   "import <file.yml>",
	Short: "Import or update customers from a YAML list",
	Args:  cobra.ExactArgs(1),
	RunE:  runCustomersImport,
}

var customersCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of customers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		n, err := a.store.CountCustomers(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	},
}

func init() {
	customersCmd.AddCommand(customersImportCmd, customersCountCmd)
}

func runCustomersImport(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	path, err := a.ws.ResolvePath(args[0])
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read customers: %w", err)
	}
	var customers []store.Customer
	if err := yaml.Unmarshal(data, &customers); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for i, c := range customers {
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("%s: customer %d is missing customer_id", path, i)
		}
	}
	if err := a.store.UpsertCustomers(ctx, customers); err != nil {
		return err
	}
	a.logEvent(ctx, "customers_imported", map[string]any{"file": path, "count": len(customers)})
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d customers from %s\n", len(customers), path)
	return nil
}
