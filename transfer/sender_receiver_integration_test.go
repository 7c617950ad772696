package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("find free udp port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

// wireSenderControlForTest mirrors the dispatch main.go's wireSenderControlHandler
// does for a real CLI session, kept local to the test since that wiring lives
// in package main.
func wireSenderControlForTest(sender *Sender, control ControlChannel, ctx context.Context) {
	control.OnFrame(func(raw []byte) {
		f, err := DecodeFrame(raw)
		if err != nil || f.Type != FrameTypeControl {
			return
		}
		env, err := DecodeEncryptedControlEnvelope(f, sender.Cipher())
		if err != nil {
			return
		}
		switch env.Kind {
		case ControlKeyExchange:
			var msg KeyExchangeMessage
			if DecodeControlBody(env, &msg) == nil {
				sender.OnKeyExchange(&msg)
			}
		case ControlStart:
			var msg StartTransferMessage
			if DecodeControlBody(env, &msg) == nil {
				go sender.OnStartTransfer(ctx, &msg)
			}
		case ControlResumeFrom:
			var msg ResumeFromMessage
			if DecodeControlBody(env, &msg) == nil {
				go sender.OnResumeFrom(ctx, &msg)
			}
		case ControlBatchAck:
			var msg ChunkBatchAckMessage
			if DecodeControlBody(env, &msg) == nil {
				sender.OnSack(&msg)
			}
		case ControlRetransmit:
			var msg RetransmitRequestMessage
			if DecodeControlBody(env, &msg) == nil {
				sender.OnRetransmitRequest(&msg)
			}
		}
	})
}

func wireReceiverControlForTest(receiver *Receiver, control ControlChannel) {
	control.OnFrame(func(raw []byte) {
		f, err := DecodeFrame(raw)
		if err != nil || f.Type != FrameTypeControl {
			return
		}
		env, err := DecodeEncryptedControlEnvelope(f, receiver.Cipher())
		if err != nil {
			return
		}
		switch env.Kind {
		case ControlMetadata:
			var msg MetadataMessage
			if DecodeControlBody(env, &msg) == nil {
				receiver.OnMetadata(&msg)
			}
		case ControlKeyExchange:
			var msg KeyExchangeMessage
			if DecodeControlBody(env, &msg) == nil {
				receiver.OnKeyExchange(&msg)
			}
		case ControlHash:
			var msg HashMessage
			if DecodeControlBody(env, &msg) == nil {
				receiver.OnHash(&msg)
			}
		case ControlEnd:
			var msg EndMessage
			if DecodeControlBody(env, &msg) == nil {
				receiver.OnEnd(&msg)
			}
		}
	})
}

func wireDataChannelForTest(receiver *Receiver, ch DataChannel) {
	ch.OnFrame(func(raw []byte) {
		f, err := DecodeFrame(raw)
		if err != nil {
			return
		}
		switch f.Type {
		case FrameTypeData:
			receiver.OnDataFrame(f)
		case FrameTypeFEC:
			receiver.OnFECFrame(f)
		}
	})
}

// TestSenderReceiverEndToEndOverQUIC drives a full offer/key-exchange/stream/
// verify/end cycle between a real Sender and Receiver over loopback QUIC
// channels, confirming the received file is byte-identical to the source.
func TestSenderReceiverEndToEndOverQUIC(t *testing.T) {
	if testing.Short() {
		t.Skip("end-to-end QUIC transfer is slow; skipped with -short")
	}

	srcDir := t.TempDir()
	dstDir := t.TempDir()
	storeDir := t.TempDir()

	content := make([]byte, 3*1024*1024+777) // a few MB, deliberately not chunk-aligned
	if _, err := rand.Read(content); err != nil {
		t.Fatalf("rand: %v", err)
	}
	srcPath := filepath.Join(srcDir, "payload.bin")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	controlPort := freeUDPPort(t)
	dataPorts := []int{freeUDPPort(t), freeUDPPort(t)}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	type acceptResult struct {
		ch  *QUICChannel
		err error
	}
	controlAcceptCh := make(chan acceptResult, 1)
	dataAcceptCh := make(chan acceptResult, len(dataPorts))

	go func() {
		ch, err := ListenQUICChannel(ctx, fmt.Sprintf("%d", controlPort))
		controlAcceptCh <- acceptResult{ch, err}
	}()
	for _, p := range dataPorts {
		p := p
		go func() {
			ch, err := ListenQUICChannel(ctx, fmt.Sprintf("%d", p))
			dataAcceptCh <- acceptResult{ch, err}
		}()
	}

	time.Sleep(150 * time.Millisecond)

	controlClient, err := DialQUICChannel(ctx, fmt.Sprintf("127.0.0.1:%d", controlPort))
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	defer controlClient.Close()

	var dataClients []DataChannel
	for _, p := range dataPorts {
		ch, err := DialQUICChannel(ctx, fmt.Sprintf("127.0.0.1:%d", p))
		if err != nil {
			t.Fatalf("dial data channel: %v", err)
		}
		dataClients = append(dataClients, ch)
	}

	controlServerRes := <-controlAcceptCh
	if controlServerRes.err != nil {
		t.Fatalf("accept control: %v", controlServerRes.err)
	}
	defer controlServerRes.ch.Close()

	var dataServers []DataChannel
	for i := 0; i < len(dataPorts); i++ {
		res := <-dataAcceptCh
		if res.err != nil {
			t.Fatalf("accept data channel: %v", res.err)
		}
		dataServers = append(dataServers, res.ch)
	}

	sender, err := NewSender(srcPath, controlClient)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	sender.AttachChannels(dataClients)

	receiver, err := NewReceiver(dstDir, storeDir, controlServerRes.ch)
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	defer receiver.Close()

	for _, ch := range dataServers {
		wireDataChannelForTest(receiver, ch)
	}
	wireReceiverControlForTest(receiver, controlServerRes.ch)
	wireSenderControlForTest(sender, controlClient, ctx)

	if err := sender.OfferFile(); err != nil {
		t.Fatalf("offer file: %v", err)
	}

	senderDone := make(chan error, 1)
	go func() { senderDone <- sender.Wait() }()

	receiverDone := make(chan error, 1)
	go func() { receiverDone <- receiver.Wait(ctx) }()

	select {
	case err := <-senderDone:
		if err != nil {
			t.Fatalf("sender: %v", err)
		}
	case <-time.After(25 * time.Second):
		t.Fatal("sender timed out")
	}

	select {
	case err := <-receiverDone:
		if err != nil {
			t.Fatalf("receiver: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("receiver timed out")
	}

	got, err := os.ReadFile(filepath.Join(dstDir, "payload.bin"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("received file content does not match the source")
	}
	if !receiver.HashVerified() {
		t.Fatal("receiver never processed a HASH control message")
	}
}
