package node

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/database64128/vl1-go/identity"
	"github.com/database64128/vl1-go/jsonhelper"
	"github.com/database64128/vl1-go/packet"
	"github.com/database64128/vl1-go/tslog"
	"github.com/database64128/vl1-go/tslogtest"
)

const testMTU = 128

func newTestNode(t *testing.T, legacyOnly bool, cfg Config) *Node {
	t.Helper()
	n, _ := newRecordingTestNode(t, legacyOnly, cfg)
	return n
}

func newRecordingTestNode(t *testing.T, legacyOnly bool, cfg Config) (*Node, *tslogtest.Recorder) {
	t.Helper()
	if err := cfg.CheckAndApplyDefaults(); err != nil {
		t.Fatalf("cfg.CheckAndApplyDefaults() = %v", err)
	}
	self, err := identity.Generate(legacyOnly)
	if err != nil {
		t.Fatalf("identity.Generate(%t) = %v", legacyOnly, err)
	}
	logCfg := tslogtest.Config{Level: slog.LevelDebug}
	logger, r := logCfg.NewRecordingTestLogger(t)
	return cfg.Node(self, logger), r
}

// newTestPair returns two nodes that know each other.
func newTestPair(t *testing.T, cfg Config) (a, b *Node) {
	t.Helper()
	a = newTestNode(t, false, cfg)
	b = newTestNode(t, false, cfg)
	if _, ok, err := a.AddPeer(b.Identity()); err != nil || !ok {
		t.Fatalf("a.AddPeer(b) = %t, %v", ok, err)
	}
	if _, ok, err := b.AddPeer(a.Identity()); err != nil || !ok {
		t.Fatalf("b.AddPeer(a) = %t, %v", ok, err)
	}
	return a, b
}

// collect sends a message and returns copies of the resulting datagrams.
func collect(t *testing.T, n *Node, to identity.Fingerprint, verb byte, payload []byte) [][]byte {
	t.Helper()
	var datagrams [][]byte
	if err := n.Send(to, verb, payload, func(b []byte) error {
		datagrams = append(datagrams, slices.Clone(b))
		return nil
	}); err != nil {
		t.Fatalf("Send() = %v", err)
	}
	return datagrams
}

func randomPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(mrand.Uint32())
	}
	return b
}

func TestSendReceive(t *testing.T) {
	a, b := newTestPair(t, Config{MTU: testMTU})
	maxPayload := packet.MaxPacketSize(testMTU) - packet.MinPacketSize

	for _, size := range []int{0, 1, testMTU - packet.MinPacketSize, testMTU - packet.MinPacketSize + 1, 500, maxPayload} {
		payload := randomPayload(size)
		datagrams := collect(t, a, b.Identity().Fingerprint(), 0x07, payload)

		if want := packet.FragmentCount(packet.MinPacketSize+size, testMTU); len(datagrams) != want {
			t.Fatalf("size %d: len(datagrams) = %d, want %d", size, len(datagrams), want)
		}
		for _, d := range datagrams {
			if len(d) > testMTU {
				t.Fatalf("size %d: datagram length %d exceeds MTU", size, len(d))
			}
		}

		mrand.Shuffle(len(datagrams), func(i, j int) {
			datagrams[i], datagrams[j] = datagrams[j], datagrams[i]
		})

		var (
			msg      Message
			received int
		)
		for _, d := range datagrams {
			if m, ok := b.Receive(d); ok {
				msg = m
				received++
			}
		}
		if received != 1 {
			t.Fatalf("size %d: received %d messages, want 1", size, received)
		}
		if msg.From.Fingerprint() != a.Identity().Fingerprint() {
			t.Errorf("size %d: msg.From = %s, want %s", size, msg.From, a.Identity())
		}
		if msg.Verb != 0x07 {
			t.Errorf("size %d: msg.Verb = %#x, want 0x07", size, msg.Verb)
		}
		if !bytes.Equal(msg.Payload, payload) {
			t.Errorf("size %d: payload mismatch", size)
		}
		if b.Pending() != 0 {
			t.Errorf("size %d: b.Pending() = %d, want 0", size, b.Pending())
		}
	}
}

func TestSendErrors(t *testing.T) {
	a, b := newTestPair(t, Config{MTU: testMTU})
	stranger := newTestNode(t, false, Config{})
	noop := func([]byte) error { return nil }

	if err := a.Send(stranger.Identity().Fingerprint(), 0, nil, noop); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("Send(stranger) = %v, want %v", err, ErrUnknownPeer)
	}

	payload := make([]byte, packet.MaxPacketSize(testMTU)-packet.MinPacketSize+1)
	if err := a.Send(b.Identity().Fingerprint(), 0, payload, noop); !errors.Is(err, ErrPacketTooLarge) {
		t.Errorf("Send(too large) = %v, want %v", err, ErrPacketTooLarge)
	}

	sendErr := errors.New("send failed")
	if err := a.Send(b.Identity().Fingerprint(), 0, nil, func([]byte) error { return sendErr }); !errors.Is(err, sendErr) {
		t.Errorf("Send(failing send) = %v, want %v", err, sendErr)
	}
}

func TestReceiveDropsReplay(t *testing.T) {
	for _, size := range []int{16, 400} {
		a, b := newTestPair(t, Config{MTU: testMTU})
		datagrams := collect(t, a, b.Identity().Fingerprint(), 1, randomPayload(size))
		replayed := make([][]byte, len(datagrams))
		for i, d := range datagrams {
			replayed[i] = slices.Clone(d)
		}

		var received int
		for _, d := range datagrams {
			if _, ok := b.Receive(d); ok {
				received++
			}
		}
		for _, d := range replayed {
			if _, ok := b.Receive(d); ok {
				t.Errorf("size %d: replayed datagram accepted", size)
			}
		}
		if received != 1 {
			t.Errorf("size %d: received %d messages, want 1", size, received)
		}
	}
}

func TestReceiveDropsTampered(t *testing.T) {
	a, b := newTestPair(t, Config{MTU: testMTU})
	datagrams := collect(t, a, b.Identity().Fingerprint(), 1, randomPayload(32))
	if len(datagrams) != 1 {
		t.Fatalf("len(datagrams) = %d, want 1", len(datagrams))
	}
	d := datagrams[0]
	d[len(d)-1] ^= 1
	if _, ok := b.Receive(d); ok {
		t.Error("tampered datagram accepted")
	}
}

func TestReceiveDropsUnknown(t *testing.T) {
	a, b := newTestPair(t, Config{MTU: testMTU})
	c := newTestNode(t, false, Config{MTU: testMTU})
	if _, _, err := c.AddPeer(b.Identity()); err != nil {
		t.Fatalf("c.AddPeer(b) = %v", err)
	}

	// b does not know c.
	datagrams := collect(t, c, b.Identity().Fingerprint(), 1, randomPayload(8))
	if _, ok := b.Receive(datagrams[0]); ok {
		t.Error("datagram from unknown peer accepted")
	}

	// c is not the destination.
	datagrams = collect(t, a, b.Identity().Fingerprint(), 1, randomPayload(8))
	if _, ok := c.Receive(datagrams[0]); ok {
		t.Error("datagram for another node accepted")
	}

	for _, d := range [][]byte{nil, make([]byte, packet.MinPacketSize-1), {0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff}} {
		if _, ok := b.Receive(d); ok {
			t.Errorf("malformed datagram %x accepted", d)
		}
	}
}

func TestReceiveLogsDrops(t *testing.T) {
	cfg := Config{MTU: testMTU}
	a := newTestNode(t, false, cfg)
	b, r := newRecordingTestNode(t, false, cfg)
	if _, _, err := a.AddPeer(b.Identity()); err != nil {
		t.Fatal(err)
	}

	datagrams := collect(t, a, b.Identity().Fingerprint(), 1, randomPayload(8))
	if _, ok := b.Receive(slices.Clone(datagrams[0])); ok {
		t.Fatal("datagram from unknown peer accepted")
	}
	if n := r.Count("Dropped packet from unknown peer"); n != 1 {
		t.Errorf("unknown peer drops logged = %d, want 1", n)
	}

	if _, _, err := b.AddPeer(a.Identity()); err != nil {
		t.Fatal(err)
	}
	if r.Count("Added peer") != 1 {
		t.Error("AddPeer did not log")
	}
	if _, ok := b.Receive(slices.Clone(datagrams[0])); !ok {
		t.Fatal("datagram from known peer dropped")
	}
	if _, ok := b.Receive(datagrams[0]); ok {
		t.Fatal("replayed datagram accepted")
	}
	if n := r.Count("Dropped replayed packet"); n != 1 {
		t.Errorf("replay drops logged = %d, want 1", n)
	}
}

func TestRemovePeer(t *testing.T) {
	a, b := newTestPair(t, Config{MTU: testMTU})
	fp := a.Identity().Fingerprint()
	if !b.RemovePeer(fp) {
		t.Fatal("b.RemovePeer(a) = false, want true")
	}
	if b.RemovePeer(fp) {
		t.Error("second b.RemovePeer(a) = true, want false")
	}
	datagrams := collect(t, a, b.Identity().Fingerprint(), 1, nil)
	if _, ok := b.Receive(datagrams[0]); ok {
		t.Error("datagram from removed peer accepted")
	}
}

func TestAddPeer(t *testing.T) {
	a, b := newTestPair(t, Config{})

	p, ok, err := a.AddPeer(b.Identity())
	if err != nil {
		t.Fatalf("a.AddPeer(b) again = %v", err)
	}
	if ok {
		t.Error("a.AddPeer(b) again inserted a duplicate")
	}
	if p != a.Peers().Get(b.Identity().Fingerprint()) {
		t.Error("a.AddPeer(b) again did not return the existing peer")
	}

	if _, _, err := a.AddPeer(a.Identity()); !errors.Is(err, ErrSelf) {
		t.Errorf("a.AddPeer(a) = %v, want %v", err, ErrSelf)
	}
}

func TestLegacyPeer(t *testing.T) {
	cfg := Config{MTU: testMTU}
	a := newTestNode(t, true, cfg)
	b := newTestNode(t, false, cfg)
	if _, _, err := a.AddPeer(b.Identity()); err != nil {
		t.Fatal(err)
	}
	if _, _, err := b.AddPeer(a.Identity()); err != nil {
		t.Fatal(err)
	}

	payload := randomPayload(300)
	var got Message
	for _, d := range collect(t, a, b.Identity().Fingerprint(), 2, payload) {
		if m, ok := b.Receive(d); ok {
			got = m
		}
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Error("payload from legacy peer mismatch")
	}
}

func TestReap(t *testing.T) {
	a, b := newTestPair(t, Config{MTU: testMTU, FragmentTimeout: jsonhelper.Duration(time.Second)})
	now := int64(1000)
	b.clock = func() int64 { return now }

	datagrams := collect(t, a, b.Identity().Fingerprint(), 1, randomPayload(400))
	if len(datagrams) < 2 {
		t.Fatalf("len(datagrams) = %d, want at least 2", len(datagrams))
	}
	if _, ok := b.Receive(datagrams[0]); ok {
		t.Fatal("head alone completed a fragmented packet")
	}
	if b.Pending() != 1 {
		t.Fatalf("b.Pending() = %d, want 1", b.Pending())
	}

	if n := b.Reap(now + 999); n != 0 {
		t.Errorf("b.Reap(before timeout) = %d, want 0", n)
	}
	if n := b.Reap(now + 1000); n != 1 {
		t.Errorf("b.Reap(at timeout) = %d, want 1", n)
	}
	if b.Pending() != 0 {
		t.Errorf("b.Pending() = %d, want 0", b.Pending())
	}

	// The remaining fragments start a new set that never completes.
	for _, d := range datagrams[1:] {
		if _, ok := b.Receive(d); ok {
			t.Error("packet completed without its head")
		}
	}
}

func TestMaxPendingPackets(t *testing.T) {
	a, b := newTestPair(t, Config{MTU: testMTU, MaxPendingPackets: 2})

	for i := range 3 {
		datagrams := collect(t, a, b.Identity().Fingerprint(), 1, randomPayload(400))
		b.Receive(datagrams[0])
		if want := min(i+1, 2); b.Pending() != want {
			t.Errorf("after %d heads: b.Pending() = %d, want %d", i+1, b.Pending(), want)
		}
	}
}

func TestStartStop(t *testing.T) {
	n, r := newRecordingTestNode(t, false, Config{ReapInterval: jsonhelper.Duration(time.Millisecond)})
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop() before Start() = %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if err := n.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want %v", err, ErrAlreadyStarted)
	}
	time.Sleep(5 * time.Millisecond)
	for range 2 {
		if err := n.Stop(); err != nil {
			t.Fatalf("Stop() = %v", err)
		}
	}
	if c := r.Count("Started node"); c != 1 {
		t.Errorf("Started node logged %d times, want 1", c)
	}
	if c := r.Count("Stopped node"); c != 1 {
		t.Errorf("Stopped node logged %d times, want 1", c)
	}

	// A stopped node can be started again.
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start() after Stop() = %v", err)
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
}

func TestConfigCheckAndApplyDefaults(t *testing.T) {
	var c Config
	if err := c.CheckAndApplyDefaults(); err != nil {
		t.Fatalf("CheckAndApplyDefaults() = %v", err)
	}
	if c.MTU != packet.DefaultMTU {
		t.Errorf("c.MTU = %d, want %d", c.MTU, packet.DefaultMTU)
	}
	if time.Duration(c.FragmentTimeout) != defaultFragmentTimeout {
		t.Errorf("c.FragmentTimeout = %s, want %s", time.Duration(c.FragmentTimeout), defaultFragmentTimeout)
	}
	if time.Duration(c.ReapInterval) != defaultReapInterval {
		t.Errorf("c.ReapInterval = %s, want %s", time.Duration(c.ReapInterval), defaultReapInterval)
	}
	if c.MaxPendingPackets != defaultMaxPendingPackets {
		t.Errorf("c.MaxPendingPackets = %d, want %d", c.MaxPendingPackets, defaultMaxPendingPackets)
	}

	for _, bad := range []Config{
		{MTU: packet.MinMTU - 1},
		{FragmentTimeout: -1},
		{ReapInterval: -1},
		{MaxPendingPackets: -1},
	} {
		if err := bad.CheckAndApplyDefaults(); err == nil {
			t.Errorf("CheckAndApplyDefaults(%+v) = nil, want error", bad)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.json")
	if err := os.WriteFile(good, []byte(`{"mtu":1280,"fragmentTimeout":"2s","log":{"level":"DEBUG"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfig(good)
	if err != nil {
		t.Fatalf("LoadConfig(good) = %v", err)
	}
	if c.MTU != 1280 {
		t.Errorf("c.MTU = %d, want 1280", c.MTU)
	}
	if time.Duration(c.FragmentTimeout) != 2*time.Second {
		t.Errorf("c.FragmentTimeout = %s, want 2s", time.Duration(c.FragmentTimeout))
	}
	if time.Duration(c.ReapInterval) != defaultReapInterval {
		t.Errorf("c.ReapInterval = %s, want %s", time.Duration(c.ReapInterval), defaultReapInterval)
	}
	if c.Log.Level != slog.LevelDebug {
		t.Errorf("c.Log.Level = %s, want DEBUG", c.Log.Level)
	}

	unknown := filepath.Join(dir, "unknown.json")
	if err := os.WriteFile(unknown, []byte(`{"mtu":1280,"bogus":true}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(unknown); err == nil {
		t.Error("LoadConfig(unknown field) = nil, want error")
	}

	small := filepath.Join(dir, "small.json")
	if err := os.WriteFile(small, []byte(`{"mtu":32}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(small); !errors.Is(err, packet.ErrMTUTooSmall) {
		t.Errorf("LoadConfig(small MTU) = %v, want %v", err, packet.ErrMTUTooSmall)
	}
}

func TestConfigSaveLoad(t *testing.T) {
	want := Config{
		MTU:             1280,
		FragmentTimeout: jsonhelper.Duration(2 * time.Second),
		Log:             tslog.Config{Level: slog.LevelWarn, NoColor: true},
	}
	if err := want.CheckAndApplyDefaults(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "node.json")
	if err := want.Save(path); err != nil {
		t.Fatalf("Save() = %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() = %v", err)
	}
	if got != want {
		t.Errorf("LoadConfig() = %+v, want %+v", got, want)
	}
}
