//go:build unix

package helper

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

func signalNotify(ch chan<- os.Signal) {
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
}
