// chdkcam drives a CHDK camera over USB: still capture, remote Lua
// execution, file transfer, and a live-view websocket server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bjacobel/pyptp2/chdk"
	"github.com/bjacobel/pyptp2/log"
	"github.com/bjacobel/pyptp2/ptp"
	"github.com/bjacobel/pyptp2/usb"
)

func main() {
	devPattern := flag.String("dev", "", "substring match on the device id; empty selects the only camera")
	timeout := flag.Duration("timeout", 2*time.Second, "per-exchange I/O timeout")

	usbDebug := flag.Bool("usb-debug", false, "log USB transfers")
	ptpDebug := flag.Bool("ptp-debug", false, "log PTP containers")
	chdkDebug := flag.Bool("chdk-debug", false, "log CHDK extension calls")
	lvDebug := flag.Bool("lv-debug", false, "log live view server activity")

	version := flag.Bool("version", false, "print the camera's CHDK protocol version")
	capture := flag.String("capture", "", "capture a still image and write it to FILE")
	run := flag.String("run", "", "execute a Lua script on the camera")
	wait := flag.Bool("wait", true, "block until the script returns, printing its messages")
	scriptTimeout := flag.Duration("script-timeout", 0, "deadline for a blocking script; 0 waits forever")
	upload := flag.String("upload", "", "upload FILE to the camera")
	remote := flag.String("remote", "", "remote filename for -upload; defaults to the local base name")
	download := flag.String("download", "", "download PATH from the camera")
	output := flag.String("o", "", "output file for -download; defaults to stdout")
	serve := flag.String("serve", "", "serve live view frames over websockets on ADDR")
	flag.Parse()

	children := log.PrepareChildren(log.Root, *usbDebug, *ptpDebug, *chdkDebug)

	transport, err := usb.Open(*devPattern, children.USB)
	if err != nil {
		log.Root.Fatalf("open: %v", err)
	}
	defer transport.Close()

	dev := ptp.NewDevice(transport)
	dev.Timeout = *timeout
	dev.ChunkSize = transport.MaxPacketSize()
	dev.Log = children.PTP

	if err := dev.OpenSession(); err != nil {
		log.Root.Fatalf("open session: %v", err)
	}
	defer dev.CloseSession()

	cam := chdk.New(dev)
	cam.ScriptTimeout = *scriptTimeout
	cam.Log = children.CHDK

	switch {
	case *version:
		major, minor, err := cam.Version()
		if err != nil {
			log.Root.Fatalf("version: %v", err)
		}
		fmt.Printf("CHDK PTP %d.%d\n", major, minor)

	case *capture != "":
		img, err := dev.CaptureAndDownload()
		if err != nil {
			log.Root.Fatalf("capture: %v", err)
		}
		if err := os.WriteFile(*capture, img, 0644); err != nil {
			log.Root.Fatalf("writing %s: %v", *capture, err)
		}
		log.Root.Infof("wrote %s (0x%x bytes)", *capture, len(img))

	case *run != "":
		id, scriptErr, msgs, err := cam.ExecuteScript(*run, *wait)
		if err != nil {
			log.Root.Fatalf("run: %v", err)
		}
		if scriptErr != 0 {
			log.Root.Fatalf("script %d failed to start: 0x%x", id, scriptErr)
		}
		for _, m := range msgs {
			fmt.Printf("script %d: %s\n", m.ScriptID, m.Payload)
		}

	case *upload != "":
		if err := cam.UploadFile(*upload, *remote); err != nil {
			log.Root.Fatalf("upload: %v", err)
		}

	case *download != "":
		data, err := cam.DownloadFile(*download)
		if data == nil && err != nil {
			log.Root.Fatalf("download: %v", err)
		}
		if err != nil {
			log.Root.Warningf("download: %v", err)
		}
		if *output == "" {
			os.Stdout.Write(data)
		} else if err := os.WriteFile(*output, data, 0644); err != nil {
			log.Root.Fatalf("writing %s: %v", *output, err)
		}

	case *serve != "":
		if !*lvDebug {
			log.Root.SetLevel(logrus.InfoLevel)
		}
		lv := chdk.NewLVServer(cam, log.Root, context.Background())

		mux := http.NewServeMux()
		mux.HandleFunc("/stream", lv.HandleStream)
		mux.HandleFunc("/control", lv.HandleControl)

		go func() {
			if err := http.ListenAndServe(*serve, log.HTTPLogHandler(mux)); err != nil {
				log.Root.Fatalf("serve: %v", err)
			}
		}()
		log.Root.Infof("live view server on %s", *serve)
		if err := lv.Run(); err != nil {
			log.Root.Fatalf("live view: %v", err)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}
