// Command osdpctl brings up an OSDP Control Panel against a roster of
// PDs described by an INI config file and logs bring-up transitions,
// events, and command completions until interrupted.
//
// Grounded on the teacher's cmd/canopen main.go: flag-parsed entry
// point, logrus level set from a flag, and a timed loop driving the
// library's Refresh method.
package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-osdp/osdp"
	"github.com/go-osdp/osdp/pkg/config"
	"github.com/go-osdp/osdp/pkg/cp"
	"github.com/go-osdp/osdp/pkg/transport"
)

func main() {
	configPath := flag.String("c", "", "path to INI roster file")
	refreshMs := flag.Int("t", 20, "refresh tick period in milliseconds")
	debug := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	log := logrus.StandardLogger()
	if *debug {
		log.SetLevel(logrus.DebugLevel)
	}

	if *configPath == "" {
		log.Fatal("osdpctl: -c <config path> is required")
	}
	file, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("osdpctl: failed to load config")
	}

	channels := map[string]osdp.Channel{}
	infos, err := file.ToPDInfos(func(addr string, baud int) (osdp.Channel, error) {
		if ch, ok := channels[addr]; ok {
			return ch, nil
		}
		ch, err := openChannel(addr, baud)
		if err != nil {
			return nil, err
		}
		channels[addr] = ch
		return ch, nil
	})
	if err != nil {
		log.WithError(err).Fatal("osdpctl: failed to open PD channels")
	}

	ctx := cp.NewContext(infos, file.MasterKey,
		cp.WithLogger(log),
		cp.WithEventCallback(func(idx int, reply osdp.ReplyCode, data []byte) {
			log.WithField("pd", idx).WithField("reply", reply).Info("osdpctl: event")
		}),
		cp.WithCommandCompleteCallback(func(idx int, status cp.CompletionStatus, reply osdp.ReplyCode, data []byte) {
			log.WithField("pd", idx).WithField("status", status).Debug("osdpctl: command complete")
		}),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	lastState := make([]cp.State, ctx.NumPDs())
	ticker := time.NewTicker(time.Duration(*refreshMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			log.Info("osdpctl: shutting down")
			return
		case <-ticker.C:
			ctx.Refresh()
			for i := 0; i < ctx.NumPDs(); i++ {
				st, err := ctx.PDState(i)
				if err != nil || st == lastState[i] {
					continue
				}
				log.WithField("pd", i).WithField("state", st).Info("osdpctl: PD state changed")
				lastState[i] = st
			}
		}
	}
}

// openChannel dials addr according to its scheme. "tcp://host:port"
// dials a TCP transport; anything else is treated as a local serial
// device path (e.g. "/dev/ttyUSB0") opened at baud.
func openChannel(addr string, baud int) (osdp.Channel, error) {
	if rest, ok := strings.CutPrefix(addr, "tcp://"); ok {
		return transport.DialTCP(rest)
	}
	return transport.OpenSerial(addr, baud)
}
