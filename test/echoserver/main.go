// Echo/emulator server: accepts one RSSI peer, echoes every message on the
// data channel back to the sender, and answers register transactions on the
// register channel from an in-memory register file preloaded with a known
// test pattern. Meant as the counterpart for regpeek and for manual
// protocol poking.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/rssi/config"
	"github.com/Clouded-Sabre/rssi/emu"
	"github.com/Clouded-Sabre/rssi/lib"
)

var (
	configPath  string
	regChannel  int
	dataChannel int
)

func init() {
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	flag.IntVar(&regChannel, "reg-channel", 0, "register-access channel number")
	flag.IntVar(&dataChannel, "data-channel", 1, "echo data channel number")
	flag.Parse()
}

func main() {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("configuration file error")
	}

	endpoint, err := emu.NewEndpoint(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("cannot create endpoint")
	}

	memory := emu.NewMemory(endpoint.Packetizer(), uint8(regChannel))
	memory.Poke(0x10000000, []byte{0xef, 0xbe, 0xad, 0xde})
	endpoint.Echo(uint8(dataChannel))

	err = endpoint.Serve(func(state lib.State) {
		logrus.WithField("state", state.String()).Info("connection state changed")
	})
	if err != nil {
		logrus.WithError(err).Fatal("cannot start server")
	}
	logrus.WithField("port", cfg.LocalPort).Info("listening for a peer")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logrus.Info("shutting down")
	endpoint.Close()
}
