package axis

import (
	"bytes"
	"testing"
)

// fakeTransport captures sent frames and reports a fixed negotiated size.
type fakeTransport struct {
	maxSegmentSize int
	sent           [][]byte
}

func (f *fakeTransport) Send(data []byte) error {
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) NegotiatedMaxSegmentSize() int {
	return f.maxSegmentSize
}

func TestPacketRoundTrip(t *testing.T) {
	testCases := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"single byte needs padding", []byte{0x42}},
		{"seven bytes pad to one word", []byte("1234567")},
		{"exact word no padding", []byte("12345678")},
		{"word and a byte", []byte("123456789")},
	}
	for _, tc := range testCases {
		pkt := Packet{
			Version: packetVersion,
			CRCType: crcTypeFull,
			TUser:   5,
			Channel: 3,
			TID:     9,
			Seq:     0x1234,
			SOF:     true,
			Payload: tc.payload,
			EOF:     true,
		}
		frame := make([]byte, pkt.WireLength())
		n, err := pkt.Marshal(frame)
		if err != nil {
			t.Fatalf("%s: marshal failed: %v", tc.name, err)
		}
		if n%8 != 0 {
			t.Errorf("%s: wire length %d is not 8-byte aligned", tc.name, n)
		}

		parsed := Packet{}
		if err := parsed.Unmarshal(frame[:n]); err != nil {
			t.Fatalf("%s: unmarshal failed: %v", tc.name, err)
		}
		if !bytes.Equal(parsed.Payload, tc.payload) {
			t.Errorf("%s: payload %x, expected %x", tc.name, parsed.Payload, tc.payload)
		}
		if parsed.Channel != 3 || parsed.TUser != 5 || parsed.TID != 9 || parsed.Seq != 0x1234 {
			t.Errorf("%s: header fields changed in round trip: %+v", tc.name, parsed)
		}
		if !parsed.SOF || !parsed.EOF {
			t.Errorf("%s: sof/eof flags lost", tc.name)
		}
	}
}

func TestPacketCRCDetectsCorruption(t *testing.T) {
	pkt := Packet{Version: packetVersion, CRCType: crcTypeFull, Channel: 1, Payload: []byte("payload bytes"), SOF: true, EOF: true}
	frame := make([]byte, pkt.WireLength())
	n, _ := pkt.Marshal(frame)

	for _, idx := range []int{0, 5, HeaderLength, n - 5, n - 1} {
		frame[idx] ^= 0x01
		if err := new(Packet).Unmarshal(frame[:n]); err == nil {
			t.Errorf("corruption at byte %d went undetected", idx)
		}
		frame[idx] ^= 0x01
	}
	if err := new(Packet).Unmarshal(frame[:n]); err != nil {
		t.Fatalf("clean frame rejected: %v", err)
	}
}

// pipePacketizers wires tx's transport output straight into rx's receive
// path, the way the reliable connection does in production.
func pipePacketizers(t *testing.T, segmentSize int) (*Packetizer, *Packetizer, *fakeTransport) {
	t.Helper()
	txTransport := &fakeTransport{maxSegmentSize: segmentSize}
	rxTransport := &fakeTransport{maxSegmentSize: segmentSize}
	tx := NewPacketizer(txTransport)
	rx := NewPacketizer(rxTransport)
	return tx, rx, txTransport
}

func TestReassemblyAcrossMessageSizes(t *testing.T) {
	const segmentSize = 1024
	maxPayload := (segmentSize - 8 - Overhead) &^ 7 // 1000

	testCases := []struct {
		size        int
		wantPackets int
	}{
		{0, 1},
		{1, 1},
		{maxPayload - 1, 1},
		{maxPayload, 1},
		{maxPayload + 1, 2},
		{5 * segmentSize, 6},
	}
	for _, tc := range testCases {
		tx, rx, wire := pipePacketizers(t, segmentSize)

		var got [][]byte
		rx.SetChannelCallback(2, func(data []byte) {
			got = append(got, append([]byte(nil), data...))
		})

		message := make([]byte, tc.size)
		for i := range message {
			message[i] = byte(i * 7)
		}
		if err := tx.SendData(2, message); err != nil {
			t.Fatalf("size %d: send failed: %v", tc.size, err)
		}
		if len(wire.sent) != tc.wantPackets {
			t.Errorf("size %d: %d packets on the wire, expected %d", tc.size, len(wire.sent), tc.wantPackets)
		}
		for _, frame := range wire.sent {
			if len(frame) > segmentSize-8 {
				t.Errorf("size %d: frame of %d bytes exceeds the segment payload capacity", tc.size, len(frame))
			}
			rx.SegmentArrived(frame)
		}

		if len(got) != 1 {
			t.Fatalf("size %d: %d messages delivered, expected 1", tc.size, len(got))
		}
		if !bytes.Equal(got[0], message) {
			t.Errorf("size %d: reassembled message differs from the original", tc.size)
		}
	}
}

func TestSofEofFlagsAcrossMultiPacketMessage(t *testing.T) {
	const segmentSize = 1024
	tx, _, wire := pipePacketizers(t, segmentSize)

	if err := tx.SendData(0, make([]byte, 2500)); err != nil {
		t.Fatal(err)
	}
	if len(wire.sent) != 3 {
		t.Fatalf("%d packets, expected 3", len(wire.sent))
	}
	for i, frame := range wire.sent {
		pkt := Packet{}
		if err := pkt.Unmarshal(frame); err != nil {
			t.Fatalf("packet %d does not parse: %v", i, err)
		}
		if pkt.SOF != (i == 0) {
			t.Errorf("packet %d sof=%t", i, pkt.SOF)
		}
		if pkt.EOF != (i == len(wire.sent)-1) {
			t.Errorf("packet %d eof=%t", i, pkt.EOF)
		}
		if pkt.Seq != uint16(i) {
			t.Errorf("packet %d carries seq %d", i, pkt.Seq)
		}
	}
}

func TestSequenceCountersArePerChannel(t *testing.T) {
	tx, _, wire := pipePacketizers(t, 256) // max payload 232

	if err := tx.SendData(1, make([]byte, 300)); err != nil { // two packets
		t.Fatal(err)
	}
	if err := tx.SendData(2, []byte("other channel")); err != nil {
		t.Fatal(err)
	}
	if err := tx.SendData(1, []byte("back on one")); err != nil {
		t.Fatal(err)
	}

	expected := []struct {
		channel uint8
		seq     uint16
	}{
		{1, 0}, {1, 1}, // first message
		{2, 0}, // a fresh channel starts its own counter
		{1, 2}, // channel 1 continues where it left off
	}
	if len(wire.sent) != len(expected) {
		t.Fatalf("%d packets on the wire, expected %d", len(wire.sent), len(expected))
	}
	for i, frame := range wire.sent {
		pkt := Packet{}
		if err := pkt.Unmarshal(frame); err != nil {
			t.Fatalf("packet %d does not parse: %v", i, err)
		}
		if pkt.Channel != expected[i].channel || pkt.Seq != expected[i].seq {
			t.Errorf("packet %d is channel %d seq %d, expected channel %d seq %d",
				i, pkt.Channel, pkt.Seq, expected[i].channel, expected[i].seq)
		}
	}
}

func TestChannelMultiplexing(t *testing.T) {
	tx, rx, wire := pipePacketizers(t, 256)

	received := map[uint8][][]byte{}
	for _, ch := range []uint8{1, 2} {
		ch := ch
		rx.SetChannelCallback(ch, func(data []byte) {
			received[ch] = append(received[ch], append([]byte(nil), data...))
		})
	}

	first := bytes.Repeat([]byte{0xaa}, 500) // multi-packet on channel 1
	second := []byte("short on channel 2")
	if err := tx.SendData(1, first); err != nil {
		t.Fatal(err)
	}
	if err := tx.SendData(2, second); err != nil {
		t.Fatal(err)
	}

	// deliver the single channel-2 packet in between the channel-1 ones
	frames := wire.sent
	last := len(frames) - 1
	rx.SegmentArrived(frames[0])
	rx.SegmentArrived(frames[last])
	for _, frame := range frames[1:last] {
		rx.SegmentArrived(frame)
	}

	if len(received[1]) != 1 || !bytes.Equal(received[1][0], first) {
		t.Error("channel 1 message corrupted by interleaving")
	}
	if len(received[2]) != 1 || !bytes.Equal(received[2][0], second) {
		t.Error("channel 2 message corrupted by interleaving")
	}
}

func TestUnregisteredChannelDiscarded(t *testing.T) {
	tx, rx, wire := pipePacketizers(t, 256)
	if err := tx.SendData(7, []byte("nobody listens")); err != nil {
		t.Fatal(err)
	}
	for _, frame := range wire.sent {
		rx.SegmentArrived(frame) // must not panic or leak a buffer
	}
}

func TestSofResetsStaleReassembly(t *testing.T) {
	const segmentSize = 1024
	tx, rx, wire := pipePacketizers(t, segmentSize)

	var got [][]byte
	rx.SetChannelCallback(4, func(data []byte) {
		got = append(got, append([]byte(nil), data...))
	})

	// first message: deliver only its opening packet, dropping the tail
	if err := tx.SendData(4, make([]byte, 2000)); err != nil {
		t.Fatal(err)
	}
	rx.SegmentArrived(wire.sent[0])
	wire.sent = nil

	// a fresh sof must discard the stale partial buffer
	fresh := []byte("complete message")
	if err := tx.SendData(4, fresh); err != nil {
		t.Fatal(err)
	}
	for _, frame := range wire.sent {
		rx.SegmentArrived(frame)
	}

	if len(got) != 1 {
		t.Fatalf("%d messages delivered, expected 1", len(got))
	}
	if !bytes.Equal(got[0], fresh) {
		t.Errorf("delivered %q, expected %q", got[0], fresh)
	}
}
