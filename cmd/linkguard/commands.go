package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/linkguard"
	"github.com/zero-day-ai/linkguard/health"
	"github.com/zero-day-ai/linkguard/navstack"
	"github.com/zero-day-ai/linkguard/urlstate"
)

// errUnhealthy makes the health command exit non-zero.
var errUnhealthy = errors.New("linkguard: storage unhealthy")

func newRegisterCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "register TYPE KEY",
		Short: "Register an identifier and print its hash",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g, logger, err := flags.openGuard(ctx, cmd)
			if err != nil {
				return err
			}
			defer linkguard.CloseWithLog(g, logger, "guard")

			hash, err := g.Register(ctx, args[0], args[1])
			if err != nil {
				if linkguard.Classify(err) != linkguard.KindQuotaExceeded || hash == "" {
					return err
				}
				logger.Warn("mapping not persisted", "error", err)
			}

			out := map[string]string{
				"scope": g.ScopeKey(),
				"hash":  hash,
				"token": urlstate.FormatToken(args[0], hash),
			}
			return flags.print(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintln(w, hash)
			})
		},
	}
}

func newResolveCmd(flags *globalFlags) *cobra.Command {
	var entityType string

	cmd := &cobra.Command{
		Use:   "resolve HASH",
		Short: "Resolve a hash back to its identifier",
		Long: `Resolve a hash registered in the same scope. Every failure is reported as
"link expired or unavailable" and exits non-zero.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g, logger, err := flags.openGuard(ctx, cmd)
			if err != nil {
				return err
			}
			defer linkguard.CloseWithLog(g, logger, "guard")

			ref, err := g.Resolve(ctx, entityType, args[0])
			if err != nil {
				return err
			}
			out := map[string]string{
				"entity_type": ref.EntityType,
				"real_key":    ref.RealKey,
			}
			return flags.print(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "%s\t%s\n", ref.EntityType, ref.RealKey)
			})
		},
	}
	cmd.Flags().StringVarP(&entityType, "type", "t", "", "Expected entity type")
	return cmd
}

func newEncodeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "encode TYPE:HASH...",
		Short: "Encode a reference stack as URL query parameters",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := flags.codec()
			if err != nil {
				return err
			}
			entries := make([]navstack.Entry, 0, len(args))
			for i, arg := range args {
				entityType, hash, ok := urlstate.SplitToken(arg)
				if !ok {
					return &urlstate.ParseError{Param: "arg", Token: arg, Err: urlstate.ErrMalformedToken}
				}
				entries = append(entries, navstack.Entry{EntityType: entityType, Hash: hash, Depth: i})
			}
			values, err := codec.Encode(entries)
			if err != nil {
				return err
			}
			query := values.Encode()
			return flags.print(cmd.OutOrStdout(), map[string]string{"query": query}, func(w io.Writer) {
				fmt.Fprintln(w, query)
			})
		},
	}
}

func newDecodeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "decode QUERY|URL",
		Short: "Decode the reference stack carried by a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := flags.codec()
			if err != nil {
				return err
			}
			values, err := parseQuery(args[0])
			if err != nil {
				return err
			}
			entries, err := codec.Decode(values)
			if err != nil {
				return err
			}
			return flags.print(cmd.OutOrStdout(), entries, func(w io.Writer) {
				for _, e := range entries {
					fmt.Fprintf(w, "%d\t%s\n", e.Depth, e.Token())
				}
			})
		},
	}
}

func newDetectCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "detect URL",
		Short: "Report whether a URL carries raw identifiers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g, logger, err := flags.openGuard(ctx, cmd)
			if err != nil {
				return err
			}
			defer linkguard.CloseWithLog(g, logger, "guard")

			ref, err := g.Migrator().Detect(args[0])
			if err != nil {
				return err
			}
			if ref == nil {
				return flags.print(cmd.OutOrStdout(), map[string]any{"legacy": false}, func(w io.Writer) {
					fmt.Fprintln(w, "no raw identifiers")
				})
			}
			frames := make([]string, 0, len(ref.Frames))
			for _, f := range ref.Frames {
				frames = append(frames, f.String())
			}
			out := map[string]any{"legacy": true, "raw": ref.RawCount(), "frames": frames}
			return flags.print(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintf(w, "%d raw identifier(s): %s\n", ref.RawCount(), strings.Join(frames, " > "))
			})
		},
	}
}

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate URL",
		Short: "Rewrite a legacy URL to hashes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g, logger, err := flags.openGuard(ctx, cmd)
			if err != nil {
				return err
			}
			defer linkguard.CloseWithLog(g, logger, "guard")

			res, err := g.Migrator().MigrateURL(ctx, args[0])
			if err != nil {
				return err
			}
			for _, w := range res.Warnings {
				logger.Warn("migration warning", "error", w)
			}
			out := map[string]string{"scope": g.ScopeKey(), "url": res.URL, "hash": res.Hash}
			return flags.print(cmd.OutOrStdout(), out, func(w io.Writer) {
				fmt.Fprintln(w, res.URL)
			})
		},
	}
}

func newPurgeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete every mapping in the scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.scope == "" {
				return errors.New("linkguard: purge requires --scope")
			}
			ctx := cmd.Context()
			g, logger, err := flags.openGuard(ctx, cmd)
			if err != nil {
				return err
			}
			defer linkguard.CloseWithLog(g, logger, "guard")

			n, err := g.PurgeScope(ctx, flags.scope)
			if err != nil {
				return err
			}
			return flags.print(cmd.OutOrStdout(), map[string]int{"purged": n}, func(w io.Writer) {
				fmt.Fprintf(w, "purged %d record(s)\n", n)
			})
		},
	}
}

func newSweepCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired records from every tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g, logger, err := flags.openGuard(ctx, cmd)
			if err != nil {
				return err
			}
			defer linkguard.CloseWithLog(g, logger, "guard")

			n, err := g.Sweep(ctx)
			if err != nil {
				return err
			}
			return flags.print(cmd.OutOrStdout(), map[string]int{"removed": n}, func(w io.Writer) {
				fmt.Fprintf(w, "removed %d expired record(s)\n", n)
			})
		},
	}
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the configured storage tiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			g, logger, err := flags.openGuard(ctx, cmd)
			if err != nil {
				return err
			}
			defer linkguard.CloseWithLog(g, logger, "guard")

			status := g.Health(ctx)
			if err := flags.print(cmd.OutOrStdout(), status, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s\n", status.Status, status.Message)
			}); err != nil {
				return err
			}
			if status.Status == health.StatusUnhealthy {
				return errUnhealthy
			}
			return nil
		},
	}
}

// codec builds the URL codec from the config without opening storage.
func (f *globalFlags) codec() (*urlstate.Codec, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	detail, stack := cfg.GetCodecParams()
	return urlstate.New(
		urlstate.WithParams(detail, stack),
		urlstate.WithMaxDepth(cfg.GetMaxDepth()),
	), nil
}

// parseQuery accepts a full URL or a bare query string.
func parseQuery(s string) (url.Values, error) {
	if strings.Contains(s, "?") {
		u, err := url.Parse(s)
		if err != nil {
			return nil, err
		}
		return u.Query(), nil
	}
	return url.ParseQuery(strings.TrimPrefix(s, "?"))
}
