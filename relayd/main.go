package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/shivamd20/liva-sub001/relay"
)

const Version = "0.1.0"

func main() {
	usage := `Board relay daemon.

Holds board state in memory, assigns document versions, and fans out
document and presence messages to the sessions of each board.

Usage:
    relayd serve [--port=<port>] [--secret=<secret>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --secret=<secret>    HMAC secret for board tokens. Empty disables auth.
    -p --port=<port>     Listen port [default: 8080].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	var secret string
	if secretAny := opts["--secret"]; secretAny != nil {
		secret = secretAny.(string)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx, stop := signal.NotifyContext(cancelCtx, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	settings := relay.DefaultRelaySettings()
	if secret != "" {
		settings.BoardJwtSecret = []byte(secret)
	}

	boardRelay := relay.NewRelay(ctx, settings)
	defer boardRelay.Close()

	fmt.Printf("relayd %s on *:%d\n", Version, port)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: boardRelay.Router(),
	}

	go func() {
		defer cancel()
		err := server.ListenAndServe()
		if err != nil {
			glog.Infof("[relayd]serve error = %s\n", err)
		}
	}()

	select {
	case <-ctx.Done():
	}

	server.Shutdown(context.Background())

	os.Exit(0)
}
