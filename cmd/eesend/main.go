// Command eesend submits a single RFC 5322 message to Elastic Email.
//
//	eesend -dsn elasticemail+api://KEY@default message.eml
//	cat message.eml | eesend
//
// The DSN defaults to $MAILER_DSN.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/shineum/elasticemail-relay/internal/elasticemail"
	"github.com/shineum/elasticemail-relay/internal/logger"
	"github.com/shineum/elasticemail-relay/internal/parser"
)

func main() {
	_ = godotenv.Load()

	dsn := flag.String("dsn", os.Getenv("MAILER_DSN"), "Elastic Email transport DSN")
	timeout := flag.Duration("timeout", 30*time.Second, "delivery timeout")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	log, flush := logger.New(logger.Config{Level: *level, Output: os.Stderr})
	slog.SetDefault(log)

	err := run(*dsn, flag.Arg(0), *timeout, os.Stdin, os.Stdout)
	flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, "eesend:", err)
		os.Exit(exitCode(err))
	}
}

func run(dsn, path string, timeout time.Duration, stdin io.Reader, out io.Writer) error {
	if dsn == "" {
		return errors.New("no DSN: pass -dsn or set MAILER_DSN")
	}

	raw, err := readMessage(path, stdin)
	if err != nil {
		return err
	}

	msg, err := parser.Parse(raw)
	if err != nil {
		return err
	}

	transport, err := elasticemail.NewTransport(dsn)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := transport.Send(ctx, msg)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "sent via %s\n", transport)
	if receipt.MessageID != "" {
		fmt.Fprintf(out, "message-id: %s\n", receipt.MessageID)
	}
	if receipt.TransactionID != "" {
		fmt.Fprintf(out, "transaction-id: %s\n", receipt.TransactionID)
	}
	return nil
}

func readMessage(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// exitCode follows sysexits: 75 (EX_TEMPFAIL) for failures worth retrying.
func exitCode(err error) int {
	var te *elasticemail.TransportError
	if errors.As(err, &te) && te.Temporary() {
		return 75
	}
	return 1
}
