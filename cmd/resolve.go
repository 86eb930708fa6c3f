package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/po-intake/internal/model"
)

var (
	resolveKind  string
	resolveEmail string
	resolvePhone string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <reference text>",
	Short: "Resolve one reference from the command line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := model.EntityKind(resolveKind)
		if !kind.Valid() {
			return eris.Errorf("unknown entity kind %q (customer|contact|item)", resolveKind)
		}

		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Orchestrator.Resolve(cmd.Context(), kind, model.Reference{
			Text:  args[0],
			Email: resolveEmail,
			Phone: resolvePhone,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveKind, "kind", "customer", "entity kind (customer|contact|item)")
	resolveCmd.Flags().StringVar(&resolveEmail, "email", "", "sender email hint")
	resolveCmd.Flags().StringVar(&resolvePhone, "phone", "", "phone number hint")
	rootCmd.AddCommand(resolveCmd)
}
