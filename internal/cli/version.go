package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/animus-coder/taskplane/internal/version"
)

// NewVersionCmd prints the compiled version details.
func NewVersionCmd(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show taskplane version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return render(cmd, opts, version.Get(), func(w io.Writer) error {
				_, err := fmt.Fprintln(w, version.Full())
				return err
			})
		},
	}
}
