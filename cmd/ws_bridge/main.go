// Command ws_bridge exposes a stdio program, normally "conductor --acp", to
// websocket clients. Every connection gets its own child process; each
// websocket text message is written to the child's stdin as one line and
// every line the child prints is sent back as a JSON frame.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/conductor/config"
	"github.com/m4xw311/conductor/errors"
	"github.com/m4xw311/conductor/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// frame is what the bridge sends for each line of child output.
type frame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr    string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "ws_bridge [command [args...]]",
		Short: "Serve a stdio program to websocket clients",
		Long: `ws_bridge starts one child process per websocket connection on /ws.
Text messages are written to the child's stdin as lines and every line the
child prints comes back as a JSON frame. The child defaults to
"conductor --acp".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{"conductor", "--acp"}
			}
			level := "info"
			if verbose {
				level = "debug"
			}
			logger, err := logging.New(config.Logging{Level: level, Format: "console", Output: "stderr"})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return serve(cmd.Context(), addr, args, logger)
		},
	}
	// Flags after the child command belong to the child.
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	return cmd
}

// serve runs the bridge until ctx is done, then shuts the server down.
func serve(ctx context.Context, addr string, cmdArgs []string, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", handleWS(cmdArgs, logger))
	srv := &http.Server{Addr: addr, Handler: mux}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownErr <- srv.Shutdown(shutdownCtx)
	}()

	logger.Info("websocket bridge listening", zap.String("addr", addr), zap.Strings("command", cmdArgs))
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return errors.Wrapf(err, "bridge stopped")
	}
	return <-shutdownErr
}

func handleWS(cmdArgs []string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()
		log := logger.With(zap.String("remote", r.RemoteAddr))

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		cmd := exec.CommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			log.Error("stdin pipe", zap.Error(err))
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			log.Error("stdout pipe", zap.Error(err))
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			log.Error("stderr pipe", zap.Error(err))
			return
		}
		if err := cmd.Start(); err != nil {
			log.Error("failed to start child", zap.Error(err))
			return
		}
		log.Info("child started", zap.Int("pid", cmd.Process.Pid))

		// gorilla/websocket allows one concurrent writer.
		var writeMu sync.Mutex
		var wg sync.WaitGroup
		forward := func(kind string, rd io.Reader) {
			defer wg.Done()
			scanner := bufio.NewScanner(rd)
			scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
			for scanner.Scan() {
				msg, err := json.Marshal(frame{Type: kind, Data: scanner.Text()})
				if err != nil {
					continue
				}
				writeMu.Lock()
				err = conn.WriteMessage(websocket.TextMessage, msg)
				writeMu.Unlock()
				if err != nil {
					log.Debug("websocket write failed", zap.Error(err))
					return
				}
			}
		}
		wg.Add(2)
		go forward("stdout", stdout)
		go forward("stderr", stderr)

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				log.Debug("websocket closed", zap.Error(err))
				break
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				log.Warn("child stdin write failed", zap.Error(err))
				break
			}
		}

		_ = stdin.Close()
		cancel()
		wg.Wait()
		if err := cmd.Wait(); err != nil {
			log.Debug("child exited", zap.Error(err))
		}
	}
}
