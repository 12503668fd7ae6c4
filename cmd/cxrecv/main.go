package main

import (
	"context"
	"fmt"
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

const versionString = "cxrecv version 0.1.0"

var settings = viper.New()

var rootCmd = &cobra.Command{
	Use:   "cxrecv [flags]",
	Short: "accept chunked file transfers",
	Example: `  cxrecv -l :9000 -d /srv/incoming      # Accept transfers into a directory
  cxrecv --max-conns 4 --sentinel         # Peers run cxsend --sentinel
  cxrecv --stdio                          # Receive one transfer on stdin`,
	Args:          cobra.NoArgs,
	Version:       versionString,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadSettings(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringP("listen", "l", ":9000", "address to accept transfers on")
	flags.StringP("dir", "d", ".", "directory to store received files in")
	flags.Int("max-conns", 0, "maximum concurrent sessions (0 = unlimited)")
	flags.Int("max-chunk-size", chunkxfer.DefaultMaxChunkSize, "largest chunk body accepted")
	flags.Int("socket-buffer", 0, "socket receive buffer in bytes (0 = OS default)")
	flags.Bool("stdio", false, "receive a single transfer on stdin and exit")
	flags.DurationP("timeout", "t", 30*time.Second, "timeout for each read (0 = none)")
	flags.Bool("sentinel", false, "expect a sentinel chunk at end of stream (sender must agree)")
	flags.BoolP("verbose", "v", false, "verbose mode")
	flags.BoolP("quiet", "q", false, "quiet mode")
	flags.String("log", "", "write debug log to file")
	flags.Bool("trace", false, "log every raw read (with --log)")
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

func run() error {
	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := signalContext(sigChan)
	defer cancel()

	base, closeLog, err := newLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	dir := settings.GetString("dir")
	if info, err := os.Stat(dir); err != nil {
		return errors.Wrap(err, "destination directory")
	} else if !info.IsDir() {
		return errors.Errorf("%s is not a directory", dir)
	}

	termination := chunkxfer.TerminateOnLength
	if settings.GetBool("sentinel") {
		termination = chunkxfer.TerminateOnSentinel
	}

	config := chunkxfer.DefaultConfig()
	config.MaxChunkSize = settings.GetInt("max-chunk-size")
	config.Timeout = settings.GetDuration("timeout")
	config.Termination = termination
	config.Dir = dir
	config.Trace = settings.GetBool("trace")

	if settings.GetBool("stdio") {
		return receiveStdio(ctx, config, base)
	}

	server := chunkxfer.NewServer(chunkxfer.ServerConfig{
		Addr:         settings.GetString("listen"),
		MaxConns:     settings.GetInt("max-conns"),
		SocketBuffer: settings.GetInt("socket-buffer"),
		Transfer:     config,
		Log:          base,
		OnSessionEnd: func(id string, transfer *chunkxfer.Transfer, err error) {
			if err == nil && !settings.GetBool("quiet") {
				fmt.Fprintf(os.Stderr, "%s\n", transfer.Name)
			}
		},
	})
	return server.ListenAndServe(ctx)
}

// receiveStdio runs one session over stdin. Stdout is left alone; all
// diagnostics go to stderr.
func receiveStdio(ctx context.Context, config *chunkxfer.Config, base *logrus.Logger) error {
	quiet := settings.GetBool("quiet")
	interactive := !quiet && term.IsTerminal(int(os.Stderr.Fd()))

	callbacks := &chunkxfer.Callbacks{
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

	session := chunkxfer.NewSession(os.Stdin, nil,
		chunkxfer.WithConfig(config),
		chunkxfer.WithCallbacks(callbacks),
		chunkxfer.WithContext(ctx),
		chunkxfer.WithSessionLogger(chunkxfer.NewLogrusLogger(logrus.NewEntry(base).WithField("session", "stdio"))),
	)

	transfer, err := session.ReceiveFile(ctx)
	if err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(os.Stderr, "%s (%d bytes) blake3 %s\n", transfer.Name, transfer.Bytes, transfer.DigestHex())
	}
	return nil
}

// newLogger builds the base logger from --log, -v and -q.
func newLogger() (*logrus.Logger, func(), error) {
	if path := settings.GetString("log"); path != "" {
		fileLogger, err := chunkxfer.NewFileLogger(path)
		if err != nil {
			return nil, nil, err
		}
		return fileLogger.Entry().Logger, func() { fileLogger.Close() }, nil
	}

	base := logrus.New()
	base.SetOutput(os.Stderr)
	switch {
	case settings.GetBool("quiet"):
		base.SetLevel(logrus.WarnLevel)
	case settings.GetBool("verbose"):
		base.SetLevel(logrus.DebugLevel)
	default:
		base.SetLevel(logrus.InfoLevel)
	}
	return base, func() {}, nil
}

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
