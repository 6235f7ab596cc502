package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-adbc/adbc"
)

func main() {
	addrFlag := flag.String("addr", "", "device target (tcp:host:port, usb:serial); falls back to ADBC_SERVER_SOCKET")
	keyFlag := flag.String("key", defaultKeyPath(), "path to a PEM-encoded RSA private key for auth")
	shellFlag := flag.String("shell", "", "run a single shell command and print its output")
	listDevicesFlag := flag.Bool("devices", false, "list devices known to an adb server")
	watchFlag := flag.Bool("watch", false, "watch for device list changes (with -devices)")

	flag.Usage = printUsage
	flag.Parse()

	signer, err := loadOrGenerateSigner(*keyFlag)
	if err != nil {
		log.Fatalf("signer: %v", err)
	}

	ctx := context.Background()
	transport, err := adbc.OpenTransport(ctx, *addrFlag)
	if err != nil {
		log.Fatalf("open transport: %v", err)
	}

	session, err := adbc.Connect(ctx, transport, []adbc.Signer{signer})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer session.Close()

	switch {
	case *shellFlag != "":
		out, err := session.RunShell(ctx, *shellFlag)
		if err != nil {
			log.Fatalf("shell: %v", err)
		}
		os.Stdout.Write(out)

	case *listDevicesFlag:
		runListDevices(ctx, session, *watchFlag)

	default:
		fmt.Printf("connected: system_type=%s banner=%s max_payload=%d\n",
			session.SystemType, session.Banner, session.MaxPayload)
	}
}

func runListDevices(ctx context.Context, session *adbc.Session, watch bool) {
	if !watch {
		devices, err := session.ListDevices(ctx, true)
		if err != nil {
			log.Fatalf("list devices: %v", err)
		}
		printDevices(devices)
		return
	}

	for devices := range session.WatchDevices(ctx) {
		printDevices(devices)
		fmt.Println("---")
	}
}

func printDevices(devices []adbc.DeviceInfo) {
	for _, d := range devices {
		fmt.Printf("%s\t%s\t%s\n", d.Serial, d.State, formatProperties(d.Properties))
	}
}

func formatProperties(props map[string]string) string {
	parts := make([]string, 0, len(props))
	for k, v := range props {
		parts = append(parts, k+":"+v)
	}
	return strings.Join(parts, " ")
}

func loadOrGenerateSigner(path string) (adbc.Signer, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return adbc.LoadFileSigner(path, "adbc@host")
		}
	}
	return adbc.NewGeneratedSigner("adbc@host")
}

func defaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".android", "adbkey")
}

func printUsage() {
	fmt.Println("adbc - ADB host client")
	fmt.Println("Usage:")
	fmt.Println("  adbc -addr tcp:127.0.0.1:5037 -devices")
	fmt.Println("  adbc -addr tcp:192.168.1.20:5555 -key ~/.android/adbkey -shell 'getprop ro.product.model'")
}
