// Command drop uploads one or more files to a dropd daemon over TFTP
// (RFC 1350), one WRQ transfer per file, run concurrently.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/DavidGamba/go-getoptions"
	"github.com/mapogo6/drop/internal/tftp"
	"github.com/rs/zerolog"
)

const defaultPort = 69

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(osArgs []string) int {
	opt := buildOptions()

	configPath, _ := tftp.DefaultConfigPath("drop.conf")
	configArgs, err := tftp.ConfigArgs(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "drop:", err)
		return 1
	}

	// Config file words are parsed first; CLI args parsed over the same
	// table override them, since go-getoptions.New() returns a fresh
	// parser per call and Parse may be invoked more than once on it.
	if _, err := opt.Parse(configArgs); err != nil {
		fmt.Fprintln(os.Stderr, "drop:", err)
		return 1
	}
	remaining, err := opt.Parse(osArgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "drop:", err)
		fmt.Fprint(os.Stderr, opt.Help())
		return 1
	}

	if opt.Called("help") {
		fmt.Fprint(os.Stderr, opt.Help())
		return 0
	}

	if len(remaining) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: drop [options] <host> <filename> [filename...]")
		fmt.Fprint(os.Stderr, opt.Help())
		return 1
	}

	host := remaining[0]
	files := remaining[1:]
	port := opt.Value("port").(int)
	verbose := opt.Value("verbose").(bool)

	log := tftp.NewLogger(verbose)

	ctx := context.Background()
	raddr, err := tftp.Resolve(ctx, host, port)
	if err != nil {
		log.Error().Err(err).Str("host", host).Msg("could not resolve destination")
		return 1
	}

	return uploadAll(raddr, files, log)
}

func buildOptions() *getoptions.GetOpt {
	opt := getoptions.New()
	opt.Bool("help", false, opt.Alias("h"))
	opt.Int("port", defaultPort, opt.Alias("p"))
	opt.Bool("verbose", false, opt.Alias("v"))
	return opt
}

// uploadAll runs one worker goroutine per file and reports progress as
// each worker finishes; the process exits non-zero if any transfer
// failed.
func uploadAll(raddr *net.UDPAddr, files []string, log zerolog.Logger) int {
	var wg sync.WaitGroup
	results := make(chan tftp.UploadResult, len(files))

	for _, name := range files {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			results <- uploadOne(raddr, name, log)
		}(name)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	failures := 0
	for res := range results {
		if res.Err != nil {
			failures++
			log.Error().Err(res.Err).Str("file", res.Filename).Msg("upload failed")
			continue
		}
		log.Info().
			Str("file", res.Filename).
			Int("bytes", res.Bytes).
			Dur("duration", res.Duration).
			Str("md5", res.Digest).
			Msg("upload complete")
	}

	if failures > 0 {
		return 1
	}
	return 0
}

// uploadOne opens (or, for "-", adopts stdin as) the local file, dials a
// fresh UDP socket to raddr and drives the client transfer state machine.
func uploadOne(raddr *net.UDPAddr, name string, log zerolog.Logger) tftp.UploadResult {
	var src io.Reader
	remoteName := name

	if name == "-" {
		src = os.Stdin
		remoteName = "stdin"
	} else {
		f, err := os.Open(name)
		if err != nil {
			return tftp.UploadResult{Filename: name, Err: err}
		}
		defer f.Close()
		src = f
	}

	conn, err := net.DialUDP("udp6", nil, raddr)
	if err != nil {
		return tftp.UploadResult{Filename: name, Err: err}
	}
	defer conn.Close()

	res := tftp.Upload(conn, remoteName, tftp.ModeOctet, src, log)
	res.Filename = name
	return res
}
