package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/tabsync/internal/config"
)

// ConfigValidation is the result of `config validate`.
type ConfigValidation struct {
	Path     string   `json:"path"`
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

func (v ConfigValidation) RenderText(w io.Writer) {
	if v.Valid {
		fmt.Fprintf(w, "%s: valid\n", v.Path)
		return
	}
	fmt.Fprintf(w, "%s: %d problem(s)\n", v.Path, len(v.Problems))
	for _, p := range v.Problems {
		fmt.Fprintf(w, "  - %s\n", p)
	}
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and print configuration",
	}
	cmd.AddCommand(newConfigValidateCommand(rootOpts))
	cmd.AddCommand(newConfigShowCommand(rootOpts))
	return cmd
}

func newConfigValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "validate <file>",
		Short:         "Check a config file against the schema",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)
			path := args[0]

			_, err := config.Load(path)
			var ve *config.ValidationError
			switch {
			case err == nil:
				return f.Success(ConfigValidation{Path: path, Valid: true})
			case errors.As(err, &ve):
				if outErr := f.Success(ConfigValidation{Path: path, Problems: ve.Problems}); outErr != nil {
					return outErr
				}
				return WrapExitError(ExitFailure, "config invalid", err)
			default:
				return f.Fail(ExitCommandError, ErrCodeConfig, "cannot load config", err)
			}
		},
	}
}

// configText renders the effective configuration as YAML.
type configText []byte

func (c configText) RenderText(w io.Writer) { w.Write(c) }

func newConfigShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Print the effective configuration",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd)

			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeConfig, "cannot load config", err)
			}
			if rootOpts.Format == "json" {
				return f.Success(cfg)
			}
			data, err := config.Marshal(cfg)
			if err != nil {
				return f.Fail(ExitFailure, ErrCodeConfig, "cannot render config", err)
			}
			return f.Success(configText(data))
		},
	}
}
