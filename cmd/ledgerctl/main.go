// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

type options struct {
	server  string
	timeout time.Duration
	product string
	machine string
	stage   string
	qty     int
}

func (o *options) client() *client {
	return newClient(o.server, o.timeout)
}

func (o *options) batch() map[string]interface{} {
	return map[string]interface{}{
		"productKey": o.product,
		"machineKey": o.machine,
		"stage":      o.stage,
		"quantity":   o.qty,
	}
}

func (o *options) keyQuery() url.Values {
	q := url.Values{}
	q.Set("product", o.product)
	q.Set("machine", o.machine)
	q.Set("stage", o.stage)
	return q
}

func defaultServer() string {
	if s, ok := os.LookupEnv("LEDGER_SERVER"); ok && s != "" {
		return s
	}
	return "http://localhost:8080"
}

func printJSON(out io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = out.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}

func keyFlags(cmd *cobra.Command, o *options, withMachine bool, withQuantity bool) {
	cmd.Flags().StringVar(&o.product, "product", "", "product key")
	cmd.Flags().StringVar(&o.stage, "stage", "", "stage label")
	_ = cmd.MarkFlagRequired("product")
	_ = cmd.MarkFlagRequired("stage")
	if withMachine {
		cmd.Flags().StringVar(&o.machine, "machine", "", "machine key")
		_ = cmd.MarkFlagRequired("machine")
	}
	if withQuantity {
		cmd.Flags().IntVar(&o.qty, "quantity", 0, "number of units")
		_ = cmd.MarkFlagRequired("quantity")
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the unit ledger from the shop floor terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&o.server, "server", defaultServer(), "base url of the unit-ledger api (env LEDGER_SERVER)")
	root.PersistentFlags().DurationVar(&o.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newCreateCmd(o),
		newTransitionCmd(o, "park", "Park the oldest ACTIVE units of a key"),
		newTransitionCmd(o, "reactivate", "Reactivate the oldest PARKED units of a key"),
		newConsumeCmd(o),
		newUnitsCmd(o),
		newValidateCmd(o),
		newFunnelCmd(o),
		newWatchCmd(o),
	)
	return root
}

func newCreateCmd(o *options) *cobra.Command {
	var idempotencyKey string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create ACTIVE units for a key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			headers := map[string]string{}
			if idempotencyKey != "" {
				headers["Idempotency-Key"] = idempotencyKey
			}
			raw, err := o.client().do(cmd.Context(), http.MethodPost, "/api/v1/units", nil, o.batch(), headers)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	keyFlags(cmd, o, true, true)
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "replay protection, a repeat within 10 minutes returns the first result")
	return cmd
}

func newTransitionCmd(o *options, direction string, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   direction,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := o.client().do(cmd.Context(), http.MethodPost, "/api/v1/units/"+direction, nil, o.batch(), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	keyFlags(cmd, o, true, true)
	return cmd
}

func newConsumeCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume the oldest ACTIVE units of a funnel, across machines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body := map[string]interface{}{
				"productKey": o.product,
				"stage":      o.stage,
				"quantity":   o.qty,
			}
			raw, err := o.client().do(cmd.Context(), http.MethodPost, "/api/v1/funnels/consume", nil, body, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	keyFlags(cmd, o, false, true)
	return cmd
}

func newUnitsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "units",
		Short: "Show counts and units of a key in FIFO order",
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := o.client().do(cmd.Context(), http.MethodGet, "/api/v1/units", o.keyQuery(), nil, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	keyFlags(cmd, o, true, false)
	return cmd
}

func newValidateCmd(o *options) *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check whether a transition would currently be accepted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := o.keyQuery()
			q.Set("direction", direction)
			q.Set("quantity", strconv.Itoa(o.qty))
			raw, err := o.client().do(cmd.Context(), http.MethodGet, "/api/v1/validate", q, nil, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	keyFlags(cmd, o, true, true)
	cmd.Flags().StringVar(&direction, "direction", "park", "park or reactivate")
	return cmd
}

func newFunnelCmd(o *options) *cobra.Command {
	var fresh bool
	cmd := &cobra.Command{
		Use:   "funnel",
		Short: "Show the aggregate count of a funnel stage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var q url.Values
			if fresh {
				q = url.Values{"fresh": []string{"true"}}
			}
			path := fmt.Sprintf("/api/v1/funnels/%s/%s", url.PathEscape(o.product), url.PathEscape(o.stage))
			raw, err := o.client().do(cmd.Context(), http.MethodGet, path, q, nil, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	keyFlags(cmd, o, false, false)
	cmd.Flags().BoolVar(&fresh, "fresh", false, "recompute instead of reading the cached count")
	return cmd
}

func newWatchCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Tail the ledger event stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			return o.client().stream(cmd.Context(), "/api/v1/events", func(f frame) error {
				_, err := fmt.Fprintf(out, "%s %s\n", f.Event, f.Data)
				return err
			})
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
