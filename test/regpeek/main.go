// Register peek/poke client: connects to an RSSI peer (echoserver or real
// hardware), performs one register read or write over the register channel
// and prints the result.
package main

import (
	"encoding/hex"
	"flag"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/rssi/axis"
	"github.com/Clouded-Sabre/rssi/config"
	"github.com/Clouded-Sabre/rssi/lib"
	"github.com/Clouded-Sabre/rssi/srp"
)

var (
	configPath string
	remoteIP   string
	localPort  int
	regChannel int
	addr       uint64
	size       int
	writeHex   string
	posted     bool
	timeoutSec float64
)

func init() {
	flag.StringVar(&configPath, "config", "config.yaml", "path to the YAML configuration file")
	flag.StringVar(&remoteIP, "remote", "127.0.0.1", "peer IP address")
	flag.IntVar(&localPort, "local-port", 0, "local UDP port, 0 picks an ephemeral one")
	flag.IntVar(&regChannel, "reg-channel", 0, "register-access channel number")
	flag.Uint64Var(&addr, "addr", 0x10000000, "register address")
	flag.IntVar(&size, "size", 4, "read size in bytes")
	flag.StringVar(&writeHex, "write", "", "hex bytes to write instead of reading")
	flag.BoolVar(&posted, "posted", false, "use a posted (unacknowledged) write")
	flag.Float64Var(&timeoutSec, "timeout", 5.0, "per-transaction timeout in seconds")
	flag.Parse()
}

func main() {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logrus.WithError(err).Fatal("configuration file error")
	}
	cfg.LocalPort = localPort

	conn, err := lib.NewConnection(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("cannot create connection")
	}
	defer conn.Close()

	pk := axis.NewPacketizer(conn)
	connected := make(chan lib.State, 8)
	err = conn.Connect(remoteIP, func(state lib.State) {
		logrus.WithField("state", state.String()).Info("connection state changed")
		connected <- state
	}, pk.SegmentArrived)
	if err != nil {
		logrus.WithError(err).Fatal("cannot connect")
	}

	for state := range connected {
		if state == lib.StateConnected {
			break
		}
		if state == lib.StateDisconnected {
			logrus.Fatal("handshake failed")
		}
	}

	registers := srp.NewConnection(pk, uint8(regChannel), time.Duration(timeoutSec*float64(time.Second)))

	if writeHex != "" {
		data, err := hex.DecodeString(writeHex)
		if err != nil {
			logrus.WithError(err).Fatal("invalid -write hex string")
		}
		if err := registers.WriteRegister(addr, data, posted); err != nil {
			logrus.WithError(err).Fatal("write failed")
		}
		logrus.WithFields(logrus.Fields{
			"addr": addr, "bytes": len(data), "posted": posted,
		}).Info("write complete")
	} else {
		data, err := registers.ReadRegister(addr, size)
		if err != nil {
			logrus.WithError(err).Fatal("read failed")
		}
		logrus.WithFields(logrus.Fields{
			"addr": addr, "data": hex.EncodeToString(data),
		}).Info("read complete")
	}

	if err := conn.Disconnect(); err != nil {
		logrus.WithError(err).Warn("disconnect")
	}
	for state := range connected {
		if state == lib.StateDisconnected {
			break
		}
	}
}
