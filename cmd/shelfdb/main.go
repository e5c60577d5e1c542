package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shelfdb/shelfdb/key"
	"github.com/shelfdb/shelfdb/pkg/config"
	"github.com/shelfdb/shelfdb/value"
	"github.com/shelfdb/shelfdb/volume"
)

var (
	dataFile   string
	configFile string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "shelfdb",
		Short: "Inspect and manipulate a shelfdb physical volume file",
	}
	root.PersistentFlags().StringVar(&dataFile, "data", "./shelfdb.jb", "path to the volume file")
	root.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML config file")

	root.AddCommand(newPutCmd(), newGetCmd(), newDeleteCmd(), newStatCmd(), newShellCmd())
	return root
}

func openVolume() (*volume.Volume, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	policy := cfg.Policy()
	if cfg.DataFile != "" && dataFile == "./shelfdb.jb" {
		dataFile = cfg.DataFile
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	return volume.Open(dataFile, policy, &logger)
}

func newPutCmd() *cobra.Command {
	var ttl time.Duration
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "put <path> <value>",
		Short: "Store a string value at path, creating missing containers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVolume()
			if err != nil {
				return err
			}
			defer v.Close()

			k, err := key.Parse(args[0])
			if err != nil {
				return err
			}
			var expireAt time.Time
			if ttl > 0 {
				expireAt = time.Now().Add(ttl)
			}
			return v.Put(k, value.String(args[1]), expireAt, overwrite)
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "expire the value after this duration")
	cmd.Flags().BoolVar(&overwrite, "overwrite", true, "overwrite an existing value")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Print the value stored at path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVolume()
			if err != nil {
				return err
			}
			defer v.Close()

			k, err := key.Parse(args[0])
			if err != nil {
				return err
			}
			val, err := v.Get(k)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatValue(val))
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <path>",
		Short: "Remove the value (and optionally subtree) at path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVolume()
			if err != nil {
				return err
			}
			defer v.Close()

			k, err := key.Parse(args[0])
			if err != nil {
				return err
			}
			return v.Delete(k, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "also remove all children")
	return cmd
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Report existence, value presence, children, and expiration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := openVolume()
			if err != nil {
				return err
			}
			defer v.Close()

			k, err := key.Parse(args[0])
			if err != nil {
				return err
			}
			info, err := v.Stat(k)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "exists: %t\n", info.Exists)
			if !info.Exists {
				return nil
			}
			fmt.Fprintf(out, "has_value: %t\nhas_children: %t\n", info.HasValue, info.HasChildren)
			if !info.Expiration.IsZero() {
				fmt.Fprintf(out, "expires: %s\n", info.Expiration.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func formatValue(v value.Value) string {
	switch v.Kind {
	case value.KindString:
		return v.Str
	case value.KindBytes:
		return strconv.Quote(string(v.Bytes))
	case value.KindUint32:
		return strconv.FormatUint(uint64(v.U32), 10)
	case value.KindUint64:
		return strconv.FormatUint(v.U64, 10)
	case value.KindFloat32:
		return strconv.FormatFloat(float64(v.F32), 'g', -1, 32)
	case value.KindFloat64:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case value.KindWideString:
		return string(decodeWideForDisplay(v.Wide))
	default:
		return ""
	}
}

func decodeWideForDisplay(w []uint16) []rune {
	out := make([]rune, len(w))
	for i, c := range w {
		out[i] = rune(c)
	}
	return out
}
