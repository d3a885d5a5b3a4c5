package accounts

import (
	"context"
	"fmt"
	"sync"

	"github.com/ilpfi/connectord/ilppacket"
)

// FakeLink is an in-process Link used by tests across packages: two
// FakeLinks paired with NewLoopbackPair deliver SendData/SendMoney calls
// directly to each other's registered handlers, without any wire
// transport. It stands in for the BTP/websocket transport the connector
// treats as an out-of-scope external collaborator.
type FakeLink struct {
	caps Capability
	name string

	mu           sync.Mutex
	peer         *FakeLink
	dataHandler  DataHandler
	moneyHandler MoneyHandler
	connected    bool
	onConnect    []func()
	onDisconnect []func()
}

// NewFakeLink returns an unpaired, disconnected FakeLink.
func NewFakeLink(name string, caps Capability) *FakeLink {
	return &FakeLink{name: name, caps: caps}
}

// NewLoopbackPair wires a and b to each other and marks both connected,
// firing each side's OnConnect callbacks.
func NewLoopbackPair(a, b *FakeLink) {
	a.mu.Lock()
	a.peer = b
	a.connected = true
	aCallbacks := append([]func(){}, a.onConnect...)
	a.mu.Unlock()

	b.mu.Lock()
	b.peer = a
	b.connected = true
	bCallbacks := append([]func(){}, b.onConnect...)
	b.mu.Unlock()

	for _, cb := range aCallbacks {
		cb()
	}
	for _, cb := range bCallbacks {
		cb()
	}
}

func (f *FakeLink) Capabilities() Capability { return f.caps }

func (f *FakeLink) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeLink) SendData(ctx context.Context, frame *ilppacket.Frame) (*ilppacket.Frame, error) {
	f.mu.Lock()
	peer := f.peer
	f.mu.Unlock()

	if peer == nil {
		return nil, fmt.Errorf("accounts: fake link %s not connected", f.name)
	}

	peer.mu.Lock()
	handler := peer.dataHandler
	peer.mu.Unlock()

	if handler == nil {
		return nil, fmt.Errorf("accounts: fake link %s has no data handler registered", peer.name)
	}

	return handler(ctx, frame)
}

func (f *FakeLink) SendMoney(ctx context.Context, frame *ilppacket.Frame) error {
	f.mu.Lock()
	peer := f.peer
	f.mu.Unlock()

	if peer == nil {
		return fmt.Errorf("accounts: fake link %s not connected", f.name)
	}

	peer.mu.Lock()
	handler := peer.moneyHandler
	peer.mu.Unlock()

	if handler == nil {
		return fmt.Errorf("accounts: fake link %s has no money handler registered", peer.name)
	}

	return handler(ctx, frame)
}

func (f *FakeLink) RegisterDataHandler(h DataHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dataHandler = h
}

func (f *FakeLink) RegisterMoneyHandler(h MoneyHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moneyHandler = h
}

func (f *FakeLink) OnConnect(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = append(f.onConnect, cb)
}

func (f *FakeLink) OnDisconnect(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = append(f.onDisconnect, cb)
}
