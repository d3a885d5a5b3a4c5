package connector

import (
	"context"
	"fmt"
	"sync"

	"github.com/ilpfi/connectord/ilppacket"
)

// pendingRequestTable correlates a request-id sent on an account's money
// link with the response frame that eventually arrives through that
// link's registered MoneyHandler. It is owned per peer link, per the
// data model: SendMoney is fire-and-forget from the Link's own
// perspective, so the correlation across the async round-trip lives here.
type pendingRequestTable struct {
	mu      sync.Mutex
	pending map[uint32]chan *ilppacket.Frame
}

func newPendingRequestTable() *pendingRequestTable {
	return &pendingRequestTable{pending: make(map[uint32]chan *ilppacket.Frame)}
}

// register must be called before the request frame is sent: a loopback
// (or otherwise synchronous) Link can deliver the response from within
// the very SendMoney call that sends the request, so the waiter channel
// has to already exist by then or the response is silently dropped.
func (t *pendingRequestTable) register(requestID uint32) chan *ilppacket.Frame {
	ch := make(chan *ilppacket.Frame, 1)
	t.mu.Lock()
	t.pending[requestID] = ch
	t.mu.Unlock()
	return ch
}

func (t *pendingRequestTable) cleanup(requestID uint32) {
	t.mu.Lock()
	delete(t.pending, requestID)
	t.mu.Unlock()
}

// await blocks on the channel returned by an earlier register(requestID)
// call until either a matching response arrives (via deliver) or ctx is
// cancelled, then unregisters it.
func (t *pendingRequestTable) await(ctx context.Context, requestID uint32, ch chan *ilppacket.Frame) (*ilppacket.Frame, error) {
	defer t.cleanup(requestID)

	select {
	case frame := <-ch:
		return frame, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("connector: request %d: %w", requestID, ctx.Err())
	}
}

// deliver routes frame to whichever await call is waiting on its
// RequestID, if any. It reports whether a waiter was found.
func (t *pendingRequestTable) deliver(frame *ilppacket.Frame) bool {
	t.mu.Lock()
	ch, ok := t.pending[frame.RequestID]
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- frame
	return true
}
