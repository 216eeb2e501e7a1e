// Package main is a live smoke test against a running nmos-mocks.
// Run with: go run ./tests/e2e -control http://127.0.0.1:5001 -registry http://127.0.0.1:5102
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	controlURL  = flag.String("control", "http://127.0.0.1:5001", "Control API URL")
	registryURL = flag.String("registry", "http://127.0.0.1:5102", "Registry URL")
	index       = flag.Int("index", 1, "Registry index to enable")
	api         = flag.String("api", "v1.3", "IS-04 API version")
	timeout     = flag.Duration("timeout", 10*time.Second, "Test timeout")
	verbose     = flag.Bool("v", false, "Verbose logging of all grains")
	password    = flag.String("password", "", "Control API password (or set NMOS_CONTROL_PASS env var)")
	totpCode    = flag.String("totp", "", "TOTP code (6 digits), when the control API needs one")
)

type change struct {
	Path string         `json:"path"`
	Pre  map[string]any `json:"pre"`
	Post map[string]any `json:"post"`
}

type grain struct {
	FlowID string `json:"flow_id"`
	Grain  struct {
		Topic string   `json:"topic"`
		Data  []change `json:"data"`
	} `json:"grain"`
}

type subscription struct {
	ID     string `json:"id"`
	WSHref string `json:"ws_href"`
}

func main() {
	flag.Parse()

	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Printf("🧪 Subscription E2E Test")
	log.Printf("   Control:  %s", *controlURL)
	log.Printf("   Registry: %s (index %d, %s)", *registryURL, *index, *api)
	log.Printf("   Timeout:  %s", *timeout)
	log.Println()

	pass := *password
	if pass == "" {
		pass = os.Getenv("NMOS_CONTROL_PASS")
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}

	// Enable the registry through the control API
	log.Printf("🔐 Enabling registry %d...", *index)
	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/registries/%d/enable", *controlURL, *index), nil)
	if pass != "" {
		req.SetBasicAuth("control", pass)
		req.Header.Set("X-Control-OTP", *totpCode)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		log.Fatalf("❌ Control request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("❌ Enable returned status %d", resp.StatusCode)
	}
	log.Println("✅ Registry enabled!")

	// Create a subscription to nodes
	log.Println("📡 Creating subscription...")
	subBody := `{"resource_path": "/nodes", "params": {}, "persist": false, "max_update_rate_ms": 100, "secure": false}`
	resp, err = httpClient.Post(*registryURL+"/x-nmos/query/"+*api+"/subscriptions", "application/json", strings.NewReader(subBody))
	if err != nil {
		log.Fatalf("❌ Subscription request failed: %v", err)
	}
	var sub subscription
	err = json.NewDecoder(resp.Body).Decode(&sub)
	resp.Body.Close()
	if err != nil || sub.WSHref == "" {
		log.Fatalf("❌ Bad subscription response (status %d): %v", resp.StatusCode, err)
	}
	log.Printf("✅ Subscription %s at %s", sub.ID, sub.WSHref)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, wsResp, err := dialer.Dial(sub.WSHref, nil)
	if err != nil {
		if wsResp != nil {
			log.Printf("❌ WebSocket handshake failed: %v (status: %d)", err, wsResp.StatusCode)
		} else {
			log.Printf("❌ WebSocket connection failed: %v", err)
		}
		os.Exit(1)
	}
	defer conn.Close()
	log.Println("✅ WebSocket connected!")

	nodeID := uuid.NewString()
	gotSync := make(chan bool, 1)
	gotCreate := make(chan bool, 1)
	gotDelete := make(chan bool, 1)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if !strings.Contains(err.Error(), "close") {
					log.Printf("❌ WebSocket read error: %v", err)
				}
				return
			}

			var g grain
			if err := json.Unmarshal(message, &g); err != nil {
				log.Printf("⚠️  Failed to parse grain: %v", err)
				continue
			}
			if *verbose {
				log.Printf("📨 Grain: %s", message)
			}
			if g.FlowID != sub.ID {
				log.Printf("⚠️  Grain flow_id %s does not match subscription", g.FlowID)
			}

			for _, c := range g.Grain.Data {
				switch {
				case c.Pre != nil && c.Post != nil && c.Path != nodeID:
					signal1(gotSync)
				case c.Path == nodeID && c.Pre == nil && c.Post != nil:
					log.Printf("✅ create grain received for %s", nodeID)
					signal1(gotCreate)
				case c.Path == nodeID && c.Post == nil:
					log.Printf("✅ delete grain received for %s", nodeID)
					signal1(gotDelete)
				}
			}
			if len(g.Grain.Data) == 0 {
				signal1(gotSync)
			}
		}
	}()

	// Let the sync grain arrive first
	time.Sleep(500 * time.Millisecond)

	log.Printf("🚀 Registering node %s...", nodeID)
	node := map[string]any{
		"id": nodeID, "version": "1:0", "label": "e2e node", "description": "", "tags": map[string]any{},
		"href": "http://127.0.0.1:1/", "hostname": "e2e", "caps": map[string]any{},
		"api":      map[string]any{"versions": []string{*api}, "endpoints": []any{}},
		"services": []any{}, "clocks": []any{}, "interfaces": []any{},
	}
	body, _ := json.Marshal(map[string]any{"type": "node", "data": node})
	if status := send(httpClient, http.MethodPost, *registryURL+"/x-nmos/registration/"+*api+"/resource", body); status != http.StatusCreated {
		log.Printf("⚠️  Registration returned status %d", status)
	}

	time.Sleep(200 * time.Millisecond)
	log.Printf("🗑  Deleting node %s...", nodeID)
	if status := send(httpClient, http.MethodDelete, *registryURL+"/x-nmos/registration/"+*api+"/resource/nodes/"+nodeID, nil); status != http.StatusNoContent {
		log.Printf("⚠️  Delete returned status %d", status)
	}

	timeoutCh := time.After(*timeout)
	synced, created, deleted := false, false, false

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	log.Println()
	log.Println("⏳ Waiting for grains...")
	log.Println()

WaitLoop:
	for !(created && deleted) {
		select {
		case <-gotSync:
			synced = true
		case <-gotCreate:
			created = true
		case <-gotDelete:
			deleted = true
		case <-timeoutCh:
			log.Println("⏰ Timeout reached!")
			break WaitLoop
		case <-interrupt:
			log.Println("🛑 Interrupted!")
			break WaitLoop
		case <-done:
			log.Println("🔌 WebSocket closed!")
			break WaitLoop
		}
	}

	log.Println()
	log.Println("═══════════════════════════════════════════════════")
	log.Println("                    TEST RESULTS                   ")
	log.Println("═══════════════════════════════════════════════════")
	log.Printf("  sync grain received:   %v", synced)
	log.Printf("  create grain received: %v", created)
	log.Printf("  delete grain received: %v", deleted)
	log.Println("═══════════════════════════════════════════════════")

	if created && deleted {
		log.Println("✅ SUCCESS: Registry notifications are working!")
		os.Exit(0)
	}
	log.Println("❌ FAIL: Missing grains!")
	log.Println("   → Check the registry is enabled and the node registration succeeded")
	os.Exit(1)
}

func signal1(ch chan bool) {
	select {
	case ch <- true:
	default:
	}
}

func send(c *http.Client, method, url string, body []byte) int {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		log.Fatalf("❌ Failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		log.Fatalf("❌ %s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}
