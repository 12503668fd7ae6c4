package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/drunlade/go-chunkxfer/chunkxfer"
)

const versionString = "cxsend version 0.1.0"

var settings = viper.New()

var rootCmd = &cobra.Command{
	Use:   "cxsend [flags] host:port file",
	Short: "send one file to a cxrecv acceptor",
	Example: `  cxsend 10.0.0.2:9000 backup.tar        # Send a file
  cxsend -c 4194304 host:9000 disk.img     # Send in 4 MiB chunks
  cxsend --sentinel host:9000 report.pdf   # Peer runs cxrecv --sentinel`,
	Args:          cobra.ExactArgs(2),
	Version:       versionString,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadSettings(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args[0], args[1])
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.IntP("chunk-size", "c", chunkxfer.DefaultChunkSize, "chunk size in bytes")
	flags.DurationP("timeout", "t", 30*time.Second, "timeout for each read or write (0 = none)")
	flags.Bool("sentinel", false, "end the stream with a sentinel chunk (receiver must agree)")
	flags.BoolP("verbose", "v", false, "verbose mode")
	flags.BoolP("quiet", "q", false, "quiet mode")
	flags.String("log", "", "write debug log to file")
	flags.Bool("trace", false, "log every raw read and write (with --log)")
	flags.String("config", "", "config file")
}

// loadSettings binds flags, CHUNKXFER_* environment variables and the
// optional config file.
func loadSettings(cmd *cobra.Command) error {
	settings.SetEnvPrefix("chunkxfer")
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindPFlags(cmd.Flags()); err != nil {
		return errors.Wrap(err, "bind flags")
	}
	if path := settings.GetString("config"); path != "" {
		settings.SetConfigFile(path)
		if err := settings.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "read config %s", path)
		}
	}
	return nil
}

func run(addr, path string) error {
	verbose := settings.GetBool("verbose")
	quiet := settings.GetBool("quiet")

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := signalContext(sigChan)
	defer cancel()

	var logger chunkxfer.Logger = chunkxfer.NoopLogger{}
	if logPath := settings.GetString("log"); logPath != "" {
		fileLogger, err := chunkxfer.NewFileLogger(logPath)
		if err != nil {
			return err
		}
		defer fileLogger.Close()
		logger = fileLogger.WithField("peer", addr)
	} else if verbose {
		base := logrus.New()
		base.SetOutput(os.Stderr)
		logger = chunkxfer.NewLogrusLogger(logrus.NewEntry(base))
	}

	termination := chunkxfer.TerminateOnLength
	if settings.GetBool("sentinel") {
		termination = chunkxfer.TerminateOnSentinel
	}

	config := chunkxfer.DefaultConfig()
	config.ChunkSize = settings.GetInt("chunk-size")
	config.Timeout = settings.GetDuration("timeout")
	config.Termination = termination
	config.Trace = settings.GetBool("trace")

	// Only draw a progress line when a person is watching
	interactive := !quiet && term.IsTerminal(int(os.Stderr.Fd()))

	callbacks := &chunkxfer.Callbacks{
		OnFileStart: func(filename string, size int64) {
			if verbose && !quiet {
				fmt.Fprintf(os.Stderr, "Sending: %s (%d bytes)\n", filename, size)
			}
		},
		OnProgress: func(filename string, transferred, total int64, rate float64) {
			if interactive {
				printProgress(filename, transferred, total, rate)
			}
		},
		OnFileComplete: func(filename string, bytesTransferred int64, duration time.Duration) {
			if interactive {
				fmt.Fprintln(os.Stderr)
			}
		},
	}

	conn, err := dial(ctx, addr, config.Timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	session := chunkxfer.NewSession(nil, conn,
		chunkxfer.WithConfig(config),
		chunkxfer.WithCallbacks(callbacks),
		chunkxfer.WithContext(ctx),
		chunkxfer.WithSessionLogger(logger),
	)

	transfer, err := session.SendFile(ctx, path)
	if err != nil {
		return err
	}

	if !quiet {
		if verbose {
			fmt.Fprintf(os.Stderr, "Completed: %s (%d bytes, %d chunks in %v)\nblake3: %s\n",
				transfer.Name, transfer.Bytes, transfer.Chunks, transfer.Duration, transfer.DigestHex())
		} else {
			fmt.Fprintf(os.Stderr, "%s\n", transfer.Name)
		}
	}
	return nil
}

func dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", addr)
	}
	return conn, nil
}

// printProgress redraws a single status line sized to the terminal.
func printProgress(filename string, transferred, total int64, rate float64) {
	percent := float64(100)
	if total > 0 {
		percent = float64(transferred) / float64(total) * 100
	}
	line := fmt.Sprintf("%s: %.1f%% (%d/%d bytes, %.0f bytes/s)", filename, percent, transferred, total, rate)
	if width, _, err := term.GetSize(int(os.Stderr.Fd())); err == nil && width > 1 && len(line) >= width {
		line = line[:width-1]
	}
	fmt.Fprintf(os.Stderr, "\r%s", line)
}

func signalContext(sigChan chan os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx, cancel
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !settings.GetBool("quiet") {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
