// Command depthctl queries a running depthd over its Unix socket.
//
//	depthctl list
//	depthctl get binance:BTCUSDT [kalshi:FED-25 ...]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/caesar-terminal/depth/internal/adapter"
	"github.com/caesar-terminal/depth/internal/query"
)

func main() {
	v, args, err := loadSettings(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: depthctl [--socket path] list | get exchange:symbol...")
		os.Exit(2)
	}

	client, err := query.Dial(v.GetString("socket"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), v.GetDuration("timeout"))
	defer cancel()

	if err := runCommand(ctx, os.Stdout, client, args[0], args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadSettings parses flags and binds them under the DEPTH_QUERY_ env
// prefix. Flags set on the command line win over the environment.
func loadSettings(argv []string) (*viper.Viper, []string, error) {
	fs := pflag.NewFlagSet("depthctl", pflag.ContinueOnError)
	fs.String("socket", "/var/run/depth/query.sock", "query socket of depthd")
	fs.Duration("timeout", 3*time.Second, "per-call timeout")
	if err := fs.Parse(argv); err != nil {
		return nil, nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("DEPTH_QUERY")
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, nil, fmt.Errorf("bind flags: %w", err)
	}
	return v, fs.Args(), nil
}

// booksClient is the part of query.Client the commands use.
type booksClient interface {
	Get(ctx context.Context, exchange adapter.Exchange, symbol string) (adapter.TopOfBook, bool, error)
	List(ctx context.Context) ([]string, error)
}

func runCommand(ctx context.Context, w io.Writer, c booksClient, cmd string, args []string) error {
	switch cmd {
	case "list":
		keys, err := c.List(ctx)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Fprintln(w, k)
		}
		return nil
	case "get":
		if len(args) == 0 {
			return fmt.Errorf("get: at least one exchange:symbol is required")
		}
		for _, key := range args {
			exchange, symbol, ok := strings.Cut(key, ":")
			if !ok {
				return fmt.Errorf("get: %q is not exchange:symbol", key)
			}
			tob, healthy, err := c.Get(ctx, adapter.Exchange(exchange), symbol)
			if err != nil {
				return fmt.Errorf("get %s: %w", key, err)
			}
			printBook(w, tob, healthy)
		}
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func printBook(w io.Writer, tob adapter.TopOfBook, healthy bool) {
	state := "healthy"
	if !healthy {
		state = "STALE"
	}
	fmt.Fprintf(w, "%s  update %d  %s  %s\n", tob.Key(), tob.LastUpdateID, tob.Timestamp.Format(time.RFC3339Nano), state)
	for i := len(tob.Asks) - 1; i >= 0; i-- {
		fmt.Fprintf(w, "  ask %14g %14g\n", tob.Asks[i].Price, tob.Asks[i].Size)
	}
	for _, l := range tob.Bids {
		fmt.Fprintf(w, "  bid %14g %14g\n", l.Price, l.Size)
	}
}
