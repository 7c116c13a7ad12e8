// Command sshdeck-localterm runs the terminal worker against a local shell
// PTY instead of a remote channel. It exercises the flow-control and drain
// loop machinery end to end without needing an SSH server, which makes it a
// handy smoke test for input priority and backpressure behavior.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/exec"

	"github.com/creack/pty"

	"github.com/ravkin/sshdeck/internal/flowcontrol"
	"github.com/ravkin/sshdeck/internal/logging"
	"github.com/ravkin/sshdeck/internal/terminal"
)

// ptyChannel adapts a local PTY to the terminal channel interface.
type ptyChannel struct {
	f   *os.File
	cmd *exec.Cmd
}

func (p *ptyChannel) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *ptyChannel) Write(b []byte) (int, error) { return p.f.Write(b) }

func (p *ptyChannel) Resize(cols, rows int) error {
	return pty.Setsize(p.f, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (p *ptyChannel) Close() error {
	p.f.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	return nil
}

func main() {
	shell := flag.String("shell", "bash", "shell to run")
	cols := flag.Int("cols", 80, "terminal columns")
	rows := flag.Int("rows", 24, "terminal rows")
	level := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logging.Setup(*level, true)

	cmd := exec.Command(*shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(*cols), Rows: uint16(*rows)})
	if err != nil {
		slog.Error("start pty", "error", err)
		os.Exit(1)
	}
	ch := &ptyChannel{f: f, cmd: cmd}

	done := make(chan struct{})
	fc := flowcontrol.New(flowcontrol.Config{})
	w := terminal.New("local", ch, fc, terminal.Events{
		OnData: func(_ string, data []byte) {
			os.Stdout.Write(data)
		},
		OnClosed: func(_ string, err error) {
			if err != nil {
				slog.Warn("terminal closed", "error", err)
			}
			close(done)
		},
	})

	// Feed stdin through the same priority queue the daemon uses, so an
	// interrupt typed during a big paste overtakes it here too.
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if qerr := w.Enqueue(append([]byte(nil), buf[:n]...)); qerr != nil {
					slog.Warn("input dropped", "error", qerr)
				}
			}
			if err != nil {
				w.RequestClose()
				return
			}
		}
	}()

	shutdown := make(chan struct{})
	go w.Run(shutdown)
	<-done
}
