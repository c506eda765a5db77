package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/manash/imgrelay/internal/config"
	"github.com/manash/imgrelay/internal/keys"
	"github.com/manash/imgrelay/internal/provider"
	"github.com/manash/imgrelay/internal/provider/catalog"
)

var flagForce bool

func newProvidersCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Show which providers are loaded and usable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := newRelay(cmd.Context(), app, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			editName := cfg.EditProvider()
			for _, e := range catalog.Entries {
				status := "not configured"
				if c, ok := rt.registry.Get(e.Name); ok {
					status = "inactive (blank credentials)"
					if rt.registry.IsActive(e.Name) {
						status = "active"
					}
					if _, canEdit := c.(provider.Editor); canEdit && e.Name == editName {
						status += ", edit"
					}
				}
				aliases := ""
				if len(e.Aliases) > 0 {
					aliases = " (" + strings.Join(e.Aliases, ", ") + ")"
				}
				fmt.Fprintf(app.Out, "  %-24s %s\n", e.Name+aliases, status)
			}
			return nil
		},
	}
}

func canonicalProvider(name string) (string, error) {
	e, ok := catalog.Lookup(name)
	if !ok {
		return "", fmt.Errorf("unknown provider %q (known: %s)", name, strings.Join(catalog.Names(), ", "))
	}
	return e.Name, nil
}

func newKeysCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage provider credentials stored outside the config file",
		Long: `Keys stores provider credentials in keys.json under the user config
directory (IMGRELAY_CONFIG_DIR overrides it). Values in the config file or
environment take precedence over stored keys.`,
	}

	setCmd := &cobra.Command{
		Use:   "set <provider> <field> <value>",
		Short: "Store one credential field (" + strings.Join(keys.Fields(), ", ") + ")",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			name, err := canonicalProvider(args[0])
			if err != nil {
				return err
			}
			store, err := app.NewKeyStore()
			if err != nil {
				return err
			}
			if err := store.Set(name, args[1], args[2]); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Stored %s for %s in %s\n", args[1], name, store.Path())
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored credentials (masked)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := app.NewKeyStore()
			if err != nil {
				return err
			}
			names, err := store.List()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Fprintln(app.Out, "No stored keys")
				return nil
			}
			for _, name := range names {
				creds, err := store.Get(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(app.Out, "%s:\n", name)
				printField(app, keys.FieldAPIKey, creds.APIKey)
				printField(app, keys.FieldAPISecret, creds.APISecret)
				printField(app, keys.FieldAppID, creds.AppID)
				printField(app, keys.FieldAccessToken, creds.AccessToken)
			}
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:     "delete <provider>",
		Aliases: []string{"rm"},
		Short:   "Remove every stored credential for a provider",
		Args:    cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			name, err := canonicalProvider(args[0])
			if err != nil {
				return err
			}
			store, err := app.NewKeyStore()
			if err != nil {
				return err
			}
			if err := store.Delete(name); err != nil {
				return err
			}
			fmt.Fprintf(app.Out, "Deleted keys for %s\n", name)
			return nil
		},
	}

	cmd.AddCommand(setCmd, listCmd, deleteCmd)
	return cmd
}

func printField(app *App, field, value string) {
	if value != "" {
		fmt.Fprintf(app.Out, "  %-13s %s\n", field, keys.MaskKey(value))
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create configuration files",
	}

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config template listing every setting and provider",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := "imgrelay.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, flagForce); err != nil {
				return err
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				abs = path
			}
			fmt.Fprintf(app.Out, "Wrote %s\n", abs)
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&flagForce, "force", "f", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and report problems",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			source := flagConfig
			if source == "" {
				source = "defaults and environment"
			}
			fmt.Fprintf(app.Out, "Configuration OK (%s): %d provider block(s), cooldown %s via %s store\n",
				source, len(cfg.Providers), cfg.Cooldown.Duration, cfg.Cooldown.Store)
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
