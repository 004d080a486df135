package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"roomcast/internal/config"
	"roomcast/internal/crypto"
)

func newSealCmd() *cobra.Command {
	var reseal bool
	cmd := &cobra.Command{
		Use:   "seal [value]",
		Short: "Seal a provider credential with the current master key",
		Long:  "Seal prints the envelope to store in LLM_API_KEY_SEALED. Without an argument the value is read from stdin. With --reseal the input is an existing envelope that is re-encrypted under the current key.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := ""
			if len(args) == 1 {
				value = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read value: %w", err)
				}
				value = line
			}
			value = strings.TrimSpace(value)
			if value == "" {
				return fmt.Errorf("value is empty")
			}

			cc, err := config.LoadCrypto()
			if err != nil {
				return err
			}
			if len(cc.Keys) == 0 {
				return config.ErrMissingMasterKey
			}
			sealer, err := crypto.NewSealer(cc.CurrentKeyID, cc.Keys)
			if err != nil {
				return err
			}
			var out string
			if reseal {
				out, err = sealer.Reseal(value)
			} else {
				out, err = sealer.Seal(value)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&reseal, "reseal", false, "re-encrypt an existing envelope under the current key")
	return cmd
}
