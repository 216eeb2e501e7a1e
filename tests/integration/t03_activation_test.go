// T03 - Immediate activation reaches the registry
package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/markus-barta/nmosmocks/internal/registry"
)

// TestActivation_SyncsReceiverToRegistry follows an IS-05 activation through
// to an IS-04 subscriber.
// Given: registry 1 enabled, a mock receiver and a subscriber to /receivers
// When: the receiver is staged and activated immediately with a sender
// Then: the active endpoint reflects it and the subscriber sees the new
// subscription state
func TestActivation_SyncsReceiverToRegistry(t *testing.T) {
	h := NewHarness(t, harnessOptions{})
	h.Registries.Registry(1).Enable(false)

	receiver, err := h.Node.NewReceiver("video")
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	id := receiver["id"].(string)

	sub := h.Subscribe(1, "v1.3", "/receivers", false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := sub.WaitForGrain(ctx, isSync); err != nil {
		t.Fatalf("no sync grain: %v", err)
	}

	base := h.NodeServer.URL + "/x-nmos/connection/v1.1/single/receivers/" + id
	resp := Do(t, http.MethodPatch, base+"/staged",
		`{"sender_id": "a3d9c0ae-3ed5-4ac1-b7d4-d6b4c35b9a4a", "activation": {"mode": "activate_immediate"}}`, "")
	if resp.Status != http.StatusOK {
		t.Fatalf("patch: %d %s", resp.Status, resp.Body)
	}
	var staged map[string]any
	resp.JSON(t, &staged)
	if staged["sender_id"] != nil || staged["master_enable"] != false {
		t.Errorf("staged side not parked after activation: %v", staged)
	}

	resp = Do(t, http.MethodGet, base+"/active", "", "")
	var active map[string]any
	resp.JSON(t, &active)
	if active["sender_id"] != "a3d9c0ae-3ed5-4ac1-b7d4-d6b4c35b9a4a" || active["master_enable"] != true {
		t.Errorf("active = %v", active)
	}
	activation, _ := active["activation"].(map[string]any)
	if activation["mode"] != "activate_immediate" || activation["activation_time"] == nil {
		t.Errorf("active activation = %v", activation)
	}

	g, err := sub.WaitForGrain(ctx, changeFor(id, false, true))
	if err != nil {
		t.Fatalf("no grain for receiver %s: %v (got %+v)", id, err, sub.Grains())
	}
	post := changeOf(g, id).Post
	subscription, _ := post["subscription"].(map[string]any)
	if subscription["sender_id"] != "a3d9c0ae-3ed5-4ac1-b7d4-d6b4c35b9a4a" || subscription["active"] != true {
		t.Errorf("registered subscription = %v", subscription)
	}

	// Deactivation is synced as an update.
	resp = Do(t, http.MethodPatch, base+"/staged",
		`{"master_enable": false, "activation": {"mode": "activate_immediate"}}`, "")
	if resp.Status != http.StatusOK {
		t.Fatalf("deactivate: %d %s", resp.Status, resp.Body)
	}
	g, err = sub.WaitForGrain(ctx, changeFor(id, true, true))
	if err != nil {
		t.Fatalf("no update grain: %v", err)
	}
	subscription, _ = changeOf(g, id).Post["subscription"].(map[string]any)
	if subscription["active"] != false {
		t.Errorf("subscription after deactivation = %v", subscription)
	}
}

// TestActivation_RegistryDownKeepsState checks that an unreachable registry
// does not undo the activation.
func TestActivation_RegistryDownKeepsState(t *testing.T) {
	h := NewHarness(t, harnessOptions{})

	receiver, err := h.Node.NewReceiver("audio")
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	base := h.NodeServer.URL + "/x-nmos/connection/v1.1/single/receivers/" + receiver["id"].(string)

	resp := Do(t, http.MethodPatch, base+"/staged",
		`{"sender_id": "a3d9c0ae-3ed5-4ac1-b7d4-d6b4c35b9a4a", "activation": {"mode": "activate_immediate"}}`, "")
	if resp.Status != http.StatusOK {
		t.Fatalf("patch with registry disabled: %d %s", resp.Status, resp.Body)
	}

	resp = Do(t, http.MethodGet, base+"/active", "", "")
	var active map[string]any
	resp.JSON(t, &active)
	if active["master_enable"] != true {
		t.Errorf("activation lost: %v", active)
	}
}

func changeOf(g *registry.Grain, id string) registry.Change {
	for _, c := range g.Grain.Data {
		if c.Path == id {
			return c
		}
	}
	return registry.Change{}
}
