// Command netmux-add is a standalone client that registers a network
// device with a running netmuxd by sending it an administrative AddDevice
// request, bypassing mDNS discovery entirely.
package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"netmuxd.dev/netmuxd/internal/frame"
)

const (
	serviceName     = "apple-mobdev2"
	serviceProtocol = "tcp"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: netmux-add <udid> <ip>")
		return
	}
	udid := os.Args[1]
	ip := os.Args[2]

	request := frame.Dict{
		"MessageType":    "AddDevice",
		"ConnectionType": "Network",
		"ServiceName":    fmt.Sprintf("_%s._%s.local", serviceName, serviceProtocol),
		"IPAddress":      ip,
		"DeviceID":       udid,
	}

	buf, err := frame.Encode(request, 1, frame.PlistMessageType, 69)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode request:", err)
		os.Exit(1)
	}

	socketAddress := os.Getenv("USBMUXD_SOCKET_ADDRESS")
	if socketAddress == "" {
		socketAddress = "/var/run/usbmuxd"
	}

	var conn net.Conn
	if strings.HasPrefix(socketAddress, "/") {
		conn, err = net.Dial("unix", socketAddress)
	} else {
		conn, err = net.Dial("tcp", socketAddress)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer conn.Close()

	if _, err := conn.Write(buf); err != nil {
		fmt.Fprintln(os.Stderr, "write request:", err)
		os.Exit(1)
	}
}
