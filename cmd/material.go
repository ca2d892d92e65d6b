package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/composite-cli/internal/labfile"
	"github.com/sells-group/composite-cli/internal/model"
	"github.com/sells-group/composite-cli/internal/store"
)

var materialCmd = &cobra.Command{
	Use:   "material",
	Short: "Manage raw materials",
}

// -- material create --

var materialCreateCmd = &cobra.Command{
	Use:   "create <reference-code> <name>",
	Short: "Register a raw material",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			m := &model.Material{ReferenceCode: args[0], Name: args[1]}
			m.Supplier, _ = cmd.Flags().GetString("supplier")
			m.CASNumber, _ = cmd.Flags().GetString("cas")
			m.MaterialType, _ = cmd.Flags().GetString("type")
			m.Description, _ = cmd.Flags().GetString("description")

			if err := env.Engine.CreateMaterial(ctx, m); err != nil {
				return err
			}
			return render(os.Stdout, m, func(w io.Writer) { formatMaterials(w, []model.Material{*m}) })
		})
	},
}

// -- material list --

var materialListCmd = &cobra.Command{
	Use:   "list",
	Short: "List raw materials",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			all, _ := cmd.Flags().GetBool("all")
			search, _ := cmd.Flags().GetString("search")
			limit, _ := cmd.Flags().GetInt("limit")

			materials, err := env.Engine.ListMaterials(ctx, store.MaterialFilter{
				ActiveOnly: !all,
				Search:     search,
				Limit:      limit,
			})
			if err != nil {
				return eris.Wrap(err, "material list")
			}
			if len(materials) == 0 && outputFormat == "table" {
				fmt.Fprintln(os.Stderr, "No materials found.")
				return nil
			}
			return render(os.Stdout, materials, func(w io.Writer) { formatMaterials(w, materials) })
		})
	},
}

// -- material show --

var materialShowCmd = &cobra.Command{
	Use:   "show <material>",
	Short: "Show a material by id or reference code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			m, err := env.Engine.ResolveMaterial(ctx, args[0])
			if err != nil {
				return err
			}
			return render(os.Stdout, m, func(w io.Writer) { formatMaterials(w, []model.Material{*m}) })
		})
	},
}

// -- material activate / deactivate --

func setActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <material>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
				m, err := env.Engine.ResolveMaterial(ctx, args[0])
				if err != nil {
					return err
				}
				if err := env.Engine.SetMaterialActive(ctx, m.ID, active); err != nil {
					return err
				}
				zap.L().Info("material updated", zap.String("material", m.ReferenceCode), zap.Bool("active", active))
				return nil
			})
		},
	}
}

// -- material import --

var materialImportCmd = &cobra.Command{
	Use:   "import <catalog>",
	Short: "Upsert materials from a YAML, CSV, or XLSX catalog",
	Long:  "Reads a material catalog and upserts it by reference code. YAML catalogs hold a list of materials; CSV and XLSX catalogs need reference_code and name columns.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEnv(cmd.Context(), "cli", func(ctx context.Context, env *compositeEnv) error {
			materials, err := readCatalog(ctx, args[0])
			if err != nil {
				return err
			}
			n, err := env.Engine.ImportMaterials(ctx, materials)
			if err != nil {
				return err
			}
			zap.L().Info("catalog imported",
				zap.String("catalog", args[0]),
				zap.Int("entries", len(materials)),
				zap.Int64("upserted", n),
			)
			return nil
		})
	},
}

// readCatalog parses a material catalog by extension.
func readCatalog(ctx context.Context, path string) ([]model.Material, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrap(err, "read catalog")
		}
		var doc struct {
			Materials []model.Material `yaml:"materials"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, eris.Wrap(err, "parse catalog")
		}
		return doc.Materials, nil
	default:
		sheet, err := labfile.ReadFile(ctx, path)
		if err != nil {
			return nil, err
		}
		return catalogRows(sheet)
	}
}

var catalogColumns = map[string]string{
	"reference_code": "reference_code",
	"reference code": "reference_code",
	"code":           "reference_code",
	"name":           "name",
	"supplier":       "supplier",
	"cas":            "cas_number",
	"cas_number":     "cas_number",
	"cas number":     "cas_number",
	"material_type":  "material_type",
	"type":           "material_type",
	"description":    "description",
}

func catalogRows(sheet labfile.Sheet) ([]model.Material, error) {
	idx := make(map[string]int)
	for i, h := range sheet.Header {
		if field, ok := catalogColumns[strings.ToLower(strings.TrimSpace(h))]; ok {
			if _, dup := idx[field]; !dup {
				idx[field] = i
			}
		}
	}
	if _, ok := idx["reference_code"]; !ok {
		return nil, eris.New("catalog: missing reference_code column")
	}
	if _, ok := idx["name"]; !ok {
		return nil, eris.New("catalog: missing name column")
	}

	get := func(rec []string, field string) string {
		i, ok := idx[field]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	materials := make([]model.Material, 0, len(sheet.Records))
	for _, rec := range sheet.Records {
		m := model.Material{
			ReferenceCode: get(rec, "reference_code"),
			Name:          get(rec, "name"),
			Supplier:      get(rec, "supplier"),
			CASNumber:     get(rec, "cas_number"),
			MaterialType:  get(rec, "material_type"),
			Description:   get(rec, "description"),
		}
		if m.ReferenceCode == "" && m.Name == "" {
			continue
		}
		materials = append(materials, m)
	}
	return materials, nil
}

func init() {
	materialCreateCmd.Flags().String("supplier", "", "supplier name")
	materialCreateCmd.Flags().String("cas", "", "CAS number of the material itself")
	materialCreateCmd.Flags().String("type", "", "material type (e.g. essential oil, isolate)")
	materialCreateCmd.Flags().String("description", "", "free-text description")

	materialListCmd.Flags().Bool("all", false, "include inactive materials")
	materialListCmd.Flags().String("search", "", "substring of reference code or name")
	materialListCmd.Flags().Int("limit", 100, "max number of materials to display")

	materialCmd.AddCommand(materialCreateCmd)
	materialCmd.AddCommand(materialListCmd)
	materialCmd.AddCommand(materialShowCmd)
	materialCmd.AddCommand(setActiveCmd("activate", "Accept new analyses and composites for a material", true))
	materialCmd.AddCommand(setActiveCmd("deactivate", "Stop accepting analyses and composites for a material", false))
	materialCmd.AddCommand(materialImportCmd)
	rootCmd.AddCommand(materialCmd)
}
