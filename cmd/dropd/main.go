// Command dropd accepts concurrent TFTP (RFC 1350) uploads: one WRQ per
// session, each served on its own handed-off UDP socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/DavidGamba/go-getoptions"
	"github.com/mapogo6/drop/internal/tftp"
)

const defaultPort = 69

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(osArgs []string) int {
	opt := getoptions.New()
	opt.Bool("help", false, opt.Alias("h"))
	opt.Int("port", defaultPort, opt.Alias("p"))
	opt.Bool("verbose", false, opt.Alias("v"))
	opt.Bool("discard", false)
	opt.Bool("readonly", false)
	opt.String("root", ".")
	opt.Bool("accept-v4-mapped", true)

	configPath, _ := tftp.DefaultConfigPath("dropd.conf")
	configArgs, err := tftp.ConfigArgs(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dropd:", err)
		return 1
	}

	if _, err := opt.Parse(configArgs); err != nil {
		fmt.Fprintln(os.Stderr, "dropd:", err)
		return 1
	}
	remaining, err := opt.Parse(osArgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dropd:", err)
		fmt.Fprint(os.Stderr, opt.Help())
		return 1
	}

	if opt.Called("help") {
		fmt.Fprint(os.Stderr, opt.Help())
		return 0
	}

	bindAddr := ""
	if len(remaining) > 0 {
		bindAddr = remaining[0]
	}

	log := tftp.NewLogger(opt.Value("verbose").(bool))

	cfg := tftp.AcceptConfig{
		Port:           opt.Value("port").(int),
		AcceptV4Mapped: opt.Value("accept-v4-mapped").(bool),
		Session: tftp.SessionConfig{
			Root:     opt.Value("root").(string),
			Discard:  opt.Value("discard").(bool),
			ReadOnly: opt.Value("readonly").(bool),
		},
	}
	if bindAddr != "" {
		host, port, err := tftp.ParseHostPort(bindAddr, cfg.Port)
		if err != nil {
			log.Error().Err(err).Msg("invalid bind address")
			return 1
		}
		cfg.Addr = fmt.Sprintf("[%s]:%d", host, port)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := tftp.Serve(ctx, cfg, log); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("daemon exited")
		return 1
	}
	return 0
}
