// sonicshare - peer-to-peer reliable file transfer over a pairing code
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Gaut2812/sonicshare/transfer"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}

	command := os.Args[1]
	if err := handleCommand(command); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func handleCommand(command string) error {
	switch command {
	case "send":
		return handleSend()
	case "receive":
		return handleReceive()
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func loadConfig(path string) Config {
	cfg := defaultConfig()
	if path == "" {
		return cfg
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		fmt.Printf("Warning: failed to load config %s: %v\n", path, err)
	}
	return cfg
}

// handleSend offers a file to whoever answers the given pairing code.
func handleSend() error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("c", "", "location of the config file")
	fs.Parse(os.Args[2:])

	args := fs.Args()
	if len(args) != 2 {
		return fmt.Errorf("usage: sonicshare send [-c config] <file> <pairing-code>")
	}
	filePath, pairingCode := args[0], args[1]
	cfg := loadConfig(*configPath)

	if err := transfer.InitializeTLS(pairingCode); err != nil {
		return fmt.Errorf("initialize TLS: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RendezvousTTL.Duration+30*time.Second)
	defer cancel()

	sig, err := transfer.NewLANSignalingClient()
	if err != nil {
		return fmt.Errorf("start signaling: %w", err)
	}
	defer sig.Close()

	fmt.Printf("Waiting for a peer with pairing code %q...\n", pairingCode)
	peer, err := sig.WaitForPeer(ctx, pairingCode)
	if err != nil {
		return fmt.Errorf("rendezvous failed: %w", err)
	}
	fmt.Printf("Found peer at %s:%d\n", peer.Address, peer.Port)

	controlAddr := fmt.Sprintf("%s:%d", peer.Address, cfg.DataPort)
	control, err := transfer.DialQUICChannel(ctx, controlAddr)
	if err != nil {
		return fmt.Errorf("dial control channel: %w", err)
	}
	defer control.Close()

	var dataChannels []transfer.DataChannel
	for i := 0; i < transfer.MinDataChannels; i++ {
		addr := fmt.Sprintf("%s:%d", peer.Address, int(cfg.DataPort)+1+i)
		ch, err := transfer.DialQUICChannel(ctx, addr)
		if err != nil {
			return fmt.Errorf("dial data channel %d: %w", i, err)
		}
		dataChannels = append(dataChannels, ch)
	}

	sender, err := transfer.NewSender(filePath, control)
	if err != nil {
		return fmt.Errorf("prepare sender: %w", err)
	}
	sender.AttachChannels(dataChannels)
	wireSenderControlHandler(sender, control, ctx)

	if err := sender.OfferFile(); err != nil {
		return fmt.Errorf("offer file: %w", err)
	}

	fmt.Println("Offer sent, waiting for the peer to accept...")
	return sender.Wait()
}

func wireSenderControlHandler(sender *transfer.Sender, control transfer.ControlChannel, ctx context.Context) {
	control.OnFrame(func(raw []byte) {
		f, err := transfer.DecodeFrame(raw)
		if err != nil || f.Type != transfer.FrameTypeControl {
			return
		}
		env, err := transfer.DecodeEncryptedControlEnvelope(f, sender.Cipher())
		if err != nil {
			return
		}
		switch env.Kind {
		case transfer.ControlKeyExchange:
			var msg transfer.KeyExchangeMessage
			if transfer.DecodeControlBody(env, &msg) == nil {
				sender.OnKeyExchange(&msg)
			}
		case transfer.ControlStart:
			var msg transfer.StartTransferMessage
			if transfer.DecodeControlBody(env, &msg) == nil {
				go sender.OnStartTransfer(ctx, &msg)
			}
		case transfer.ControlResumeFrom:
			var msg transfer.ResumeFromMessage
			if transfer.DecodeControlBody(env, &msg) == nil {
				go sender.OnResumeFrom(ctx, &msg)
			}
		case transfer.ControlBatchAck:
			var msg transfer.ChunkBatchAckMessage
			if transfer.DecodeControlBody(env, &msg) == nil {
				sender.OnSack(&msg)
			}
		case transfer.ControlRetransmit:
			var msg transfer.RetransmitRequestMessage
			if transfer.DecodeControlBody(env, &msg) == nil {
				sender.OnRetransmitRequest(&msg)
			}
		}
	})
}

// handleReceive listens for an offer from whoever dials in using the given pairing code.
func handleReceive() error {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	configPath := fs.String("c", "", "location of the config file")
	fs.Parse(os.Args[2:])

	args := fs.Args()
	if len(args) != 1 {
		return fmt.Errorf("usage: sonicshare receive [-c config] <pairing-code>")
	}
	pairingCode := args[0]
	cfg := loadConfig(*configPath)

	if err := transfer.InitializeTLS(pairingCode); err != nil {
		return fmt.Errorf("initialize TLS: %w", err)
	}

	ctx := context.Background()

	sig, err := transfer.NewLANSignalingClient()
	if err != nil {
		return fmt.Errorf("start signaling: %w", err)
	}
	defer sig.Close()
	go sig.Announce(ctx, pairingCode)

	fmt.Printf("Announcing pairing code %q, waiting for a sender...\n", pairingCode)

	controlAddr := fmt.Sprintf("%d", cfg.DataPort)
	control, err := transfer.ListenQUICChannel(ctx, controlAddr)
	if err != nil {
		return fmt.Errorf("listen control channel: %w", err)
	}
	defer control.Close()

	receiver, err := transfer.NewReceiver(cfg.DownloadDir, cfg.StoreDir, control)
	if err != nil {
		return fmt.Errorf("prepare receiver: %w", err)
	}
	defer receiver.Close()

	var dataChannels []transfer.DataChannel
	for i := 0; i < transfer.MinDataChannels; i++ {
		addr := fmt.Sprintf("%d", int(cfg.DataPort)+1+i)
		ch, err := transfer.ListenQUICChannel(ctx, addr)
		if err != nil {
			return fmt.Errorf("listen data channel %d: %w", i, err)
		}
		dataChannels = append(dataChannels, ch)
		wireDataChannelHandler(receiver, ch)
	}

	wireReceiverControlHandler(receiver, control)

	fmt.Println("Connected, transferring...")
	return receiver.Wait(ctx)
}

func wireDataChannelHandler(receiver *transfer.Receiver, ch transfer.DataChannel) {
	ch.OnFrame(func(raw []byte) {
		f, err := transfer.DecodeFrame(raw)
		if err != nil {
			return
		}
		switch f.Type {
		case transfer.FrameTypeData:
			receiver.OnDataFrame(f)
		case transfer.FrameTypeFEC:
			receiver.OnFECFrame(f)
		}
	})
}

func wireReceiverControlHandler(receiver *transfer.Receiver, control transfer.ControlChannel) {
	control.OnFrame(func(raw []byte) {
		f, err := transfer.DecodeFrame(raw)
		if err != nil || f.Type != transfer.FrameTypeControl {
			return
		}
		env, err := transfer.DecodeEncryptedControlEnvelope(f, receiver.Cipher())
		if err != nil {
			return
		}
		switch env.Kind {
		case transfer.ControlMetadata:
			var msg transfer.MetadataMessage
			if transfer.DecodeControlBody(env, &msg) == nil {
				receiver.OnMetadata(&msg)
			}
		case transfer.ControlKeyExchange:
			var msg transfer.KeyExchangeMessage
			if transfer.DecodeControlBody(env, &msg) == nil {
				receiver.OnKeyExchange(&msg)
			}
		case transfer.ControlHash:
			var msg transfer.HashMessage
			if transfer.DecodeControlBody(env, &msg) == nil {
				receiver.OnHash(&msg)
			}
		case transfer.ControlEnd:
			var msg transfer.EndMessage
			if transfer.DecodeControlBody(env, &msg) == nil {
				receiver.OnEnd(&msg)
			}
		}
	})
}

func printUsage() {
	fmt.Println("sonicshare - peer-to-peer reliable file transfer")
	fmt.Println("\nUsage: sonicshare <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  send [-c config] <file> <pairing-code>   Offer a file to the peer with this pairing code")
	fmt.Println("  receive [-c config] <pairing-code>       Wait for an offer addressed to this pairing code")
	fmt.Println("\nPairing codes are resolved over the local network; run 'receive' first, then 'send'.")
}
