package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/wundergraph/fusion-gateway/pkg/composition"
)

var errCompositionFailed = errors.New("composition failed")

func newComposeCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	var descriptor, out string
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Compose a descriptor and print the merged schema.",
		Long: `compose checks a descriptor the way serve does and prints the merged
schema, or every violation when the descriptor does not compose.`,
		Example: "gateway compose --descriptor descriptor.yaml --out merged.graphql",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := composition.LoadDescriptorFile(descriptor)
			if err != nil {
				return err
			}
			schema, err := composition.Load(d)
			if err != nil {
				var compositionErr *composition.CompositionError
				if !errors.As(err, &compositionErr) {
					return err
				}
				for _, v := range compositionErr.Violations {
					fmt.Fprintln(stderr, v.String())
				}
				return fmt.Errorf("%w: %d violation(s)", errCompositionFailed, len(compositionErr.Violations))
			}
			if out == "" {
				_, err = io.WriteString(stdout, schema.SDL)
				return err
			}
			return os.WriteFile(out, []byte(schema.SDL), 0o644)
		},
	}
	cmd.Flags().StringVarP(&descriptor, "descriptor", "d", "descriptor.yaml", "Composition descriptor file.")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the merged schema to this file instead of stdout.")
	return cmd
}
