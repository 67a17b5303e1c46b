package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	serverColor = color.New(color.Bold)
	kindColor   = color.New(color.FgCyan)
	okColor     = color.New(color.FgGreen)
)

var checkCmd = &cobra.Command{
	Use:   "check [config.yaml]",
	Short: "Validate a configuration and print what it resolves to",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	s, err := loadSettings(cmd, args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "keep-alive %s, cgi timeout %s, max body %d bytes\n",
		s.Socket.KeepAliveTimeout, s.CGI.Timeout, s.HTTP.MaxBodySize)
	for i, srv := range s.Servers {
		routes, err := s.Routes(i)
		if err != nil {
			return err
		}
		serverColor.Fprintf(out, "server %s:%d (%d routes)\n", srv.Address, srv.Port, len(routes))
		for _, r := range routes {
			fmt.Fprintf(out, "  %s %s\n", kindColor.Sprintf("%-9s", r.Module.Kind), r.URI)
		}
	}
	okColor.Fprintln(out, "configuration ok")
	return nil
}
