// Command itchreplay rebuilds NASDAQ books from a TotalView-ITCH 5.0 file
// and prints throughput and the resulting top levels.
package main

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/caesar-terminal/depth/internal/adapter/itch"
	"github.com/caesar-terminal/depth/internal/book"
	"github.com/caesar-terminal/depth/internal/logger"
)

func main() {
	fs := pflag.NewFlagSet("itchreplay", pflag.ExitOnError)
	fs.String("file", "", "ITCH 5.0 file, optionally gzipped")
	fs.Float64("tick", 0.01, "tick size in dollars")
	fs.Int("depth", 10, "levels tracked per side")
	fs.StringSlice("symbols", nil, "symbols to print (default: none)")
	fs.Int("top", 5, "levels printed per side")
	fs.String("log-level", "warn", "debug, info, warn or error")
	_ = fs.Parse(os.Args[1:])

	v := viper.New()
	v.SetEnvPrefix("ITCHREPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		fmt.Fprintf(os.Stderr, "bind flags: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(v.GetString("log-level"), "console")
	defer log.Sync()

	path := v.GetString("file")
	if path == "" {
		fmt.Fprintln(os.Stderr, "--file is required")
		fs.Usage()
		os.Exit(2)
	}

	r, closeFn, err := open(path)
	if err != nil {
		log.Fatal("open", zap.Error(err))
	}
	defer closeFn()

	tick := book.FixedFromFloat[book.E4](v.GetFloat64("tick"))
	p := itch.NewProcessor(tick, v.GetInt("depth"), log)

	res, err := replay(itch.NewReader(r), p, log)
	if err != nil {
		log.Error("replay stopped", zap.Error(err), zap.Uint64("messages", res.Messages))
	}
	report(os.Stdout, res, p, v.GetStringSlice("symbols"), v.GetInt("top"))
	if err != nil {
		os.Exit(1)
	}
}

// open returns a reader over path, transparently gunzipping .gz files.
func open(path string) (io.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, func() { f.Close() }, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("gzip %s: %w", path, err)
	}
	return zr, func() { zr.Close(); f.Close() }, nil
}
