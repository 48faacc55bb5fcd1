// Command downlink queues a downlink on a running node that uses the
// simulated stack, e.g.
//
//	downlink -msg ClassCSwitch
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "node admin address")
	port := flag.Uint("port", 15, "LoRaWAN FPort")
	msg := flag.String("msg", "", "text payload (ClassCSwitch, ClassASwitch, ...)")
	hexPayload := flag.String("hex", "", "hex payload, used instead of -msg")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Parse()

	payload := []byte(*msg)
	if *hexPayload != "" {
		b, err := hex.DecodeString(*hexPayload)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad -hex:", err)
			os.Exit(2)
		}
		payload = b
	}
	if len(payload) == 0 {
		fmt.Fprintln(os.Stderr, "need -msg or -hex")
		flag.Usage()
		os.Exit(2)
	}

	client := &http.Client{Timeout: *timeout}
	url := fmt.Sprintf("%s/downlink?port=%d", strings.TrimSuffix(*addr, "/"), *port)
	resp, err := client.Post(url, "application/octet-stream", strings.NewReader(string(payload)))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		fmt.Fprintf(os.Stderr, "%s: %s", resp.Status, body)
		os.Exit(1)
	}
	fmt.Printf("%s", body)
}
