package transfer

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/sebas/switchyard/internal/calld/ari"
	"github.com/sebas/switchyard/internal/calld/bus"
)

// fakeClient is an in-memory stand-in for the call-control endpoint.
type fakeClient struct {
	channels *fakeChannels
	bridges  *fakeBridges
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		channels: &fakeChannels{
			channels: make(map[string]*ari.Channel),
			vars:     make(map[string]map[string]string),
		},
		bridges: &fakeBridges{
			bridges: make(map[string]*ari.Bridge),
			vars:    make(map[string]map[string]string),
		},
	}
}

func (c *fakeClient) Channels() ari.Channels         { return c.channels }
func (c *fakeClient) Bridges() ari.Bridges           { return c.bridges }
func (c *fakeClient) Ping(ctx context.Context) error { return nil }

func (c *fakeClient) addChannel(id, state string) {
	c.channels.mu.Lock()
	defer c.channels.mu.Unlock()
	c.channels.channels[id] = &ari.Channel{ID: id, Name: "PJSIP/" + id, State: state}
}

// dropChannel makes a leg vanish without going through the machine,
// the way a party hanging up mid-transition would.
func (c *fakeClient) dropChannel(id string) {
	c.channels.mu.Lock()
	defer c.channels.mu.Unlock()
	delete(c.channels.channels, id)
}

type fakeChannels struct {
	mu            sync.Mutex
	channels      map[string]*ari.Channel
	vars          map[string]map[string]string
	hangups       []string
	rings         []string
	ringStops     []string
	holds         []string
	unholds       []string
	originated    []ari.OriginateRequest
	nextOriginate string
	originateErr  error
}

func (f *fakeChannels) Get(ctx context.Context, id string) (*ari.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return nil, ari.ErrNotFound
	}
	cp := *ch
	return &cp, nil
}

func (f *fakeChannels) List(ctx context.Context) ([]ari.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ari.Channel
	for _, ch := range f.channels {
		out = append(out, *ch)
	}
	return out, nil
}

func (f *fakeChannels) Hangup(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[id]; !ok {
		return ari.ErrNotFound
	}
	delete(f.channels, id)
	f.hangups = append(f.hangups, id)
	return nil
}

func (f *fakeChannels) Ring(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[id]; !ok {
		return ari.ErrNotFound
	}
	f.rings = append(f.rings, id)
	return nil
}

func (f *fakeChannels) RingStop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[id]; !ok {
		return ari.ErrNotFound
	}
	f.ringStops = append(f.ringStops, id)
	return nil
}

func (f *fakeChannels) Hold(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[id]; !ok {
		return ari.ErrNotFound
	}
	f.holds = append(f.holds, id)
	return nil
}

func (f *fakeChannels) Unhold(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[id]; !ok {
		return ari.ErrNotFound
	}
	f.unholds = append(f.unholds, id)
	return nil
}

func (f *fakeChannels) GetVar(ctx context.Context, id, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[id]; !ok {
		return "", ari.ErrNotFound
	}
	v, ok := f.vars[id][name]
	if !ok {
		return "", ari.ErrNotFound
	}
	return v, nil
}

func (f *fakeChannels) SetVar(ctx context.Context, id, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[id]; !ok {
		return ari.ErrNotFound
	}
	if f.vars[id] == nil {
		f.vars[id] = make(map[string]string)
	}
	f.vars[id][name] = value
	return nil
}

func (f *fakeChannels) Originate(ctx context.Context, req ari.OriginateRequest) (*ari.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.originateErr != nil {
		return nil, f.originateErr
	}
	f.originated = append(f.originated, req)
	id := f.nextOriginate
	if id == "" {
		id = fmt.Sprintf("originated-%d", len(f.originated))
	}
	ch := &ari.Channel{ID: id, Name: req.Endpoint, State: "Ring"}
	f.channels[id] = ch
	if f.vars[id] == nil {
		f.vars[id] = make(map[string]string)
	}
	for k, v := range req.Variables {
		f.vars[id][k] = v
	}
	cp := *ch
	return &cp, nil
}

func (f *fakeChannels) varOf(id, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vars[id][name]
}

func (f *fakeChannels) hungUp(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.hangups {
		if h == id {
			return true
		}
	}
	return false
}

type fakeBridges struct {
	mu        sync.Mutex
	bridges   map[string]*ari.Bridge
	vars      map[string]map[string]string
	destroyed []string
}

func (f *fakeBridges) Create(ctx context.Context, req ari.BridgeCreateRequest) (*ari.Bridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &ari.Bridge{ID: req.ID, Type: req.Type, Name: req.Name}
	f.bridges[b.ID] = b
	cp := *b
	return &cp, nil
}

func (f *fakeBridges) Get(ctx context.Context, id string) (*ari.Bridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bridges[id]
	if !ok {
		return nil, ari.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeBridges) List(ctx context.Context) ([]ari.Bridge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ari.Bridge
	for _, b := range f.bridges {
		out = append(out, *b)
	}
	return out, nil
}

func (f *fakeBridges) AddChannel(ctx context.Context, bridgeID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bridges[bridgeID]
	if !ok {
		return ari.ErrNotFound
	}
	b.Channels = append(b.Channels, channelID)
	return nil
}

func (f *fakeBridges) Destroy(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.bridges[id]; !ok {
		return ari.ErrNotFound
	}
	delete(f.bridges, id)
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeBridges) GetVar(ctx context.Context, bridgeID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.bridges[bridgeID]; !ok {
		return "", ari.ErrNotFound
	}
	v, ok := f.vars[bridgeID][name]
	if !ok {
		return "", ari.ErrNotFound
	}
	return v, nil
}

func (f *fakeBridges) SetVar(ctx context.Context, bridgeID, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.bridges[bridgeID]; !ok {
		return ari.ErrNotFound
	}
	if f.vars[bridgeID] == nil {
		f.vars[bridgeID] = make(map[string]string)
	}
	f.vars[bridgeID][name] = value
	return nil
}

func (f *fakeBridges) varOf(bridgeID, name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vars[bridgeID][name]
}

var _ ari.Client = (*fakeClient)(nil)

// testRig wires a machine over fakes and captures bus events.
type testRig struct {
	client  *fakeClient
	store   *MemoryStore
	machine *Machine
	events  *bus.ChannelPublisher
}

func newTestRig() *testRig {
	client := newFakeClient()
	store := NewMemoryStore()
	events := bus.NewChannelPublisher(100)
	originator := NewOriginator(client, "callcontrol")
	machine := NewMachine(store, originator, NewNotifier(events), nil)
	return &testRig{client: client, store: store, machine: machine, events: events}
}

// seed persists a session and registers its legs as live channels.
func (r *testRig) seed(t *Transfer) {
	for _, leg := range []string{t.TransferredCall, t.InitiatorCall, t.RecipientCall} {
		if leg != "" {
			r.client.addChannel(leg, "Up")
		}
	}
	_, _ = r.client.bridges.Create(context.Background(), ari.BridgeCreateRequest{ID: t.ID, Type: "mixing", Name: "transfer"})
	_ = r.store.Upsert(context.Background(), t)
}

// eventNames drains captured bus events.
func (r *testRig) eventNames() []string {
	var names []string
	for {
		select {
		case msg := <-r.events.Messages():
			names = append(names, msg.Name)
		default:
			return names
		}
	}
}

func seededTransfer(status Status, flow Flow) *Transfer {
	t := New("user-1", "chan-transferred", "chan-initiator", "internal", "1001", flow)
	t.ID = "transfer-1"
	t.RecipientCall = "chan-recipient"
	t.Status = status
	return t
}

func expectEvents(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}
