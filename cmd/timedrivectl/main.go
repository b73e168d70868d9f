// timedrivectl drives a session clock on a running TimeDrive gateway from the
// command line, the same way the browser page does.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"timedrive/munge"

	"github.com/spf13/cobra"
)

type clientOptions struct {
	gateway  string
	user     string
	password string
	timeout  time.Duration
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var opts clientOptions
	root := &cobra.Command{
		Use:          "timedrivectl",
		Short:        "Control a TimeDrive session clock",
		SilenceUsage: true,
	}
	root.SetOut(out)
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.gateway, "gateway", "g", "localhost:4000", "gateway host:port")
	pf.StringVarP(&opts.user, "user", "u", "", "Basic auth user that keys the session")
	pf.StringVarP(&opts.password, "password", "p", "", "Basic auth password")
	pf.DurationVar(&opts.timeout, "timeout", 15*time.Second, "request timeout")

	root.AddCommand(
		newGetCmd(&opts),
		newSetCmd(&opts),
		newNowCmd(&opts),
		newSyncCmd(&opts),
		newClockCmd(&opts),
	)
	return root
}

func newGetCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Show the session clock without changing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printMunge(cmd, opts, "/updatemunge")
		},
	}
}

func newSetCmd(opts *clientOptions) *cobra.Command {
	var (
		at       string
		duration float64
		ref      string
		play     string
		rate     float64
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Update the session clock",
		Example: `  timedrivectl set --time 2024-03-01T12:00:00Z --duration 60 --play forward
  timedrivectl set --ref newest --time 0 --play pause`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			f := cmd.Flags()
			if f.Changed("time") {
				secs, err := parseTime(at)
				if err != nil {
					return err
				}
				q.Set("t", munge.FormatSeconds(secs))
			}
			if f.Changed("duration") {
				q.Set("d", munge.FormatSeconds(duration))
			}
			if f.Changed("ref") {
				q.Set("r", ref)
			}
			if f.Changed("play") {
				q.Set("play", play)
			}
			if f.Changed("rate") {
				q.Set("rate", munge.FormatSeconds(rate))
			}
			if len(q) == 0 {
				return errors.New("nothing to set; pass at least one of --time, --duration, --ref, --play, --rate")
			}
			return printMunge(cmd, opts, "/updatemunge?"+encodeMunge(q))
		},
	}
	f := cmd.Flags()
	f.StringVarP(&at, "time", "t", "", "seconds since the epoch, or RFC3339")
	f.Float64VarP(&duration, "duration", "d", 0, "window duration in seconds")
	f.StringVarP(&ref, "ref", "r", "", "absolute, oldest or newest")
	f.StringVar(&play, "play", "", "pause, forward, backward or live")
	f.Float64Var(&rate, "rate", 1, "playback rate")
	return cmd
}

func newNowCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "now",
		Short: "Move the session clock to the current time and pause",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printMunge(cmd, opts, "/updatetocurrenttime")
		},
	}
}

func newSyncCmd(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "sync HOST/PATH",
		Short:   "Set the session time from a channel that holds a time value",
		Example: "  timedrivectl sync localhost/RBNB/clock@r=newest",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printMunge(cmd, opts, "/updatetime/"+strings.TrimPrefix(args[0], "http://"))
		},
	}
}

func newClockCmd(opts *clientOptions) *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "clock",
		Short: "Download the session clock image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch format {
			case "png", "gif", "jpg":
			default:
				return fmt.Errorf("unsupported format %q", format)
			}
			if output == "" {
				output = "time." + format
			}
			// The cache-buster keeps the request read-only.
			path := fmt.Sprintf("/time.%s?%d", format, time.Now().UnixMilli())
			body, err := fetch(cmd.Context(), opts, path)
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, body, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", output, len(body))
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "png", "png, gif or jpg")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default time.<format>)")
	return cmd
}

// encodeMunge writes parameters in the order the gateway echoes them.
func encodeMunge(q url.Values) string {
	var parts []string
	for _, key := range []string{"r", "t", "d", "play", "rate"} {
		if v := q.Get(key); v != "" {
			parts = append(parts, key+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func parseTime(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return secs, nil
	}
	at, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("time %q is neither seconds nor RFC3339", s)
	}
	return float64(at.UnixMilli()) / 1000, nil
}

func printMunge(cmd *cobra.Command, opts *clientOptions, path string) error {
	body, err := fetch(cmd.Context(), opts, path)
	if err != nil {
		return err
	}
	st, sync, err := munge.ParseBody(string(body))
	if err != nil {
		return fmt.Errorf("unexpected reply %q: %w", strings.TrimSpace(string(body)), err)
	}
	writeState(cmd.OutOrStdout(), st, sync)
	return nil
}

func writeState(w io.Writer, st munge.State, sync string) {
	fmt.Fprintf(w, "reference: %s\n", st.Reference)
	if st.Reference == munge.RefAbsolute {
		at := time.UnixMilli(int64(st.Time * 1000)).UTC()
		fmt.Fprintf(w, "time:      %s (%s)\n", munge.FormatSeconds(st.Time), at.Format(time.RFC1123))
	} else {
		fmt.Fprintf(w, "time:      %s\n", munge.FormatSeconds(st.Time))
	}
	fmt.Fprintf(w, "duration:  %s\n", munge.FormatSeconds(st.Duration))
	fmt.Fprintf(w, "play:      %s\n", st.Mode)
	fmt.Fprintf(w, "rate:      %s\n", munge.FormatSeconds(st.Rate))
	if sync != "" {
		fmt.Fprintf(w, "sync:      %s\n", sync)
	}
}

func fetch(ctx context.Context, opts *clientOptions, path string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	target := "http://" + strings.TrimPrefix(opts.gateway, "http://") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if opts.user != "" {
		req.SetBasicAuth(opts.user, opts.password)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errors.New("gateway wants a unique login; pass --user")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway replied %s", resp.Status)
	}
	return body, nil
}
