package main

import (
	"bufio"
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/po-intake/internal/model"
)

var (
	importKind    string
	importReplace bool
)

var importCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Load entity master data from a JSONL export",
	Long:  "Reads one entity per line from an ERP export and upserts into the entity table. With --replace the table is reloaded from scratch.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := model.EntityKind(importKind)
		if !kind.Valid() {
			return eris.Errorf("unknown entity kind %q (customer|contact|item)", importKind)
		}

		entities, err := readEntityLines(args[0], kind)
		if err != nil {
			return err
		}
		if len(entities) == 0 {
			return eris.Errorf("no entities found in %s", args[0])
		}

		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.ImportEntities(cmd.Context(), kind, entities, importReplace)
		if err != nil {
			return err
		}
		zap.L().Info("import complete",
			zap.String("kind", string(kind)),
			zap.Int64("rows", n),
			zap.Bool("replace", importReplace))
		return nil
	},
}

func readEntityLines(path string, kind model.EntityKind) ([]model.Entity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var out []model.Entity
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e model.Entity
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, eris.Wrapf(err, "parse line %d", line)
		}
		if e.Name == "" {
			return nil, eris.Errorf("line %d: name is required", line)
		}
		e.Kind = kind
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	return out, nil
}

func init() {
	importCmd.Flags().StringVar(&importKind, "kind", "", "entity kind being imported (required)")
	importCmd.Flags().BoolVar(&importReplace, "replace", false, "truncate and reload instead of upserting")
	importCmd.MarkFlagRequired("kind")
	rootCmd.AddCommand(importCmd)
}
