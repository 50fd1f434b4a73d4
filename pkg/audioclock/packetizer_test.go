package audioclock

import (
	"bytes"
	"context"
	"testing"
)

// testFormat gives 2 bytes/ms so a 20ms frame is 40 bytes and a 5ms
// overlap tail is 10 bytes — easy numbers to assert against.
var testFormat = Format{SampleRateHz: 1000, Channels: 1, BitDepth: 16}

func seqByte(n int) byte { return byte(n) }

func makeChunk(start, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seqByte(start + i)
	}
	return b
}

func TestPacketizer_EmitsExactDurationFrames(t *testing.T) {
	clock := NewClock()
	pz := NewPacketizer("sess-1", testFormat, 20, 5, CodecPCM16LE, clock)

	pcm := make(chan []byte, 4)
	pcm <- makeChunk(0, 40)
	pcm <- makeChunk(40, 40)
	pcm <- makeChunk(80, 40)
	close(pcm)

	var packets []AudioPacket
	err := pz.Run(context.Background(), pcm, func(p AudioPacket) error {
		packets = append(packets, p)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(packets) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(packets))
	}

	for i, p := range packets {
		if p.Seq != uint64(i) {
			t.Errorf("packet %d: expected seq %d, got %d", i, i, p.Seq)
		}
		if p.TAudioMs != int64(i)*20 {
			t.Errorf("packet %d: expected t_audio_ms %d, got %d", i, int64(i)*20, p.TAudioMs)
		}
		if p.DurationMs != 20 {
			t.Errorf("packet %d: expected duration_ms 20, got %d", i, p.DurationMs)
		}
		// payload = 10 bytes of overlap lead-in + 40 bytes of new content
		if len(p.Payload) != 50 {
			t.Errorf("packet %d: expected payload length 50, got %d", i, len(p.Payload))
		}
	}
}

func TestPacketizer_MonotonicityInvariant(t *testing.T) {
	clock := NewClock()
	pz := NewPacketizer("sess-1", testFormat, 20, 5, CodecPCM16LE, clock)

	pcm := make(chan []byte, 5)
	for i := 0; i < 5; i++ {
		pcm <- makeChunk(i*40, 40)
	}
	close(pcm)

	var packets []AudioPacket
	pz.Run(context.Background(), pcm, func(p AudioPacket) error {
		packets = append(packets, p)
		return nil
	})

	for i := 1; i < len(packets); i++ {
		prev, cur := packets[i-1], packets[i]
		if cur.Seq != prev.Seq+1 {
			t.Errorf("seq not strictly increasing at %d: prev=%d cur=%d", i, prev.Seq, cur.Seq)
		}
		if cur.TAudioMs != prev.TAudioMs+20 {
			t.Errorf("t_audio_ms did not advance by exactly 20 at %d: prev=%d cur=%d", i, prev.TAudioMs, cur.TAudioMs)
		}
	}
}

func TestPacketizer_OverlapDuplicatesPreviousTail(t *testing.T) {
	clock := NewClock()
	pz := NewPacketizer("sess-1", testFormat, 20, 5, CodecPCM16LE, clock)

	pcm := make(chan []byte, 2)
	pcm <- makeChunk(0, 40)
	pcm <- makeChunk(40, 40)
	close(pcm)

	var packets []AudioPacket
	pz.Run(context.Background(), pcm, func(p AudioPacket) error {
		packets = append(packets, p)
		return nil
	})

	if len(packets) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(packets))
	}

	firstTail := packets[0].Payload[len(packets[0].Payload)-10:]
	secondLead := packets[1].Payload[:10]
	if !bytes.Equal(firstTail, secondLead) {
		t.Errorf("expected second packet's lead-in to duplicate first packet's tail: %v != %v", secondLead, firstTail)
	}
}

func TestPacketizer_DropsPartialFinalFrame(t *testing.T) {
	clock := NewClock()
	pz := NewPacketizer("sess-1", testFormat, 20, 5, CodecPCM16LE, clock)

	pcm := make(chan []byte, 2)
	pcm <- makeChunk(0, 40)
	pcm <- makeChunk(40, 15) // 25 bytes short = 12.5ms, beyond the 10ms pad cap even under the default pad policy
	close(pcm)

	var packets []AudioPacket
	pz.Run(context.Background(), pcm, func(p AudioPacket) error {
		packets = append(packets, p)
		return nil
	})

	if len(packets) != 1 {
		t.Fatalf("expected 1 complete packet and a dropped partial tail, got %d", len(packets))
	}
}

func TestPacketizer_PadsShortFinalFrameWithinCap(t *testing.T) {
	clock := NewClock()
	pz := NewPacketizer("sess-1", testFormat, 20, 5, CodecPCM16LE, clock)

	pcm := make(chan []byte, 2)
	pcm <- makeChunk(0, 40)
	pcm <- makeChunk(40, 35) // 5 bytes short = 2.5ms, within the 10ms pad cap
	close(pcm)

	var packets []AudioPacket
	err := pz.Run(context.Background(), pcm, func(p AudioPacket) error {
		packets = append(packets, p)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(packets) != 2 {
		t.Fatalf("expected the short trailing frame to be zero-padded and emitted, got %d packets", len(packets))
	}
	last := packets[1]
	if len(last.Payload) != 50 { // 10 bytes overlap lead-in + 40 byte frame
		t.Errorf("expected padded payload length 50, got %d", len(last.Payload))
	}
	// last 5 bytes of the frame portion are the zero padding
	frameStart := len(last.Payload) - 40
	for i, b := range last.Payload[frameStart+35:] {
		if b != 0 {
			t.Errorf("expected zero padding byte %d, got %d", i, b)
		}
	}
}

func TestPacketizer_DropsPartialFinalFrame_WhenPolicyExplicitlyDrop(t *testing.T) {
	clock := NewClock()
	pz := NewPacketizer("sess-1", testFormat, 20, 5, CodecPCM16LE, clock)
	pz.SetPartialFramePolicy(PartialFrameDrop)

	pcm := make(chan []byte, 2)
	pcm <- makeChunk(0, 40)
	pcm <- makeChunk(40, 35) // would be padded under the default policy
	close(pcm)

	var packets []AudioPacket
	err := pz.Run(context.Background(), pcm, func(p AudioPacket) error {
		packets = append(packets, p)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(packets) != 1 {
		t.Fatalf("expected the trailing frame to be dropped under PartialFrameDrop, got %d packets", len(packets))
	}
}

func TestPacketizer_StopsOnContextCancel(t *testing.T) {
	clock := NewClock()
	pz := NewPacketizer("sess-1", testFormat, 20, 5, CodecPCM16LE, clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pcm := make(chan []byte)

	err := pz.Run(ctx, pcm, func(p AudioPacket) error {
		return nil
	})
	if err == nil {
		t.Error("expected context cancellation error")
	}
}
