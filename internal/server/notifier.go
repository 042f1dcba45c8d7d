package server

import (
	"context"
	"sync"

	"github.com/Sternrassler/idm-request-scheduler/pkg/scheduler"
	"github.com/creachadair/jrpc2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	serverWSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "idm_server_ws_clients",
		Help: "WebSocket clients receiving scheduler state pushes",
	})

	serverStatePushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idm_server_state_pushes_total",
		Help: "Scheduler state pushes to WebSocket clients by result",
	}, []string{"result"})
)

// StateChangedNotification is pushed to every WebSocket client on each
// scheduler state transition.
type StateChangedNotification struct {
	State scheduler.State `json:"state"`
}

// StateNotifier tracks the WebSocket clients that receive scheduler state
// pushes. Clients that cannot be reached are dropped on the next push.
type StateNotifier struct {
	mu      sync.RWMutex
	clients map[*jrpc2.Server]string
	logger  zerolog.Logger
}

// NewStateNotifier creates an empty notifier.
func NewStateNotifier(logger zerolog.Logger) *StateNotifier {
	return &StateNotifier{
		clients: make(map[*jrpc2.Server]string),
		logger:  logger,
	}
}

// Register adds a client connection; remote is used in logs only.
func (n *StateNotifier) Register(srv *jrpc2.Server, remote string) {
	n.mu.Lock()
	n.clients[srv] = remote
	count := len(n.clients)
	n.mu.Unlock()

	serverWSClients.Set(float64(count))
	n.logger.Debug().Str("remote", remote).Int("clients", count).Msg("State push client registered")
}

// Unregister removes a client connection.
func (n *StateNotifier) Unregister(srv *jrpc2.Server) {
	n.mu.Lock()
	delete(n.clients, srv)
	count := len(n.clients)
	n.mu.Unlock()

	serverWSClients.Set(float64(count))
}

// Push sends st to a single client.
func (n *StateNotifier) Push(ctx context.Context, srv *jrpc2.Server, st scheduler.State) error {
	err := srv.Notify(ctx, MethodStateChanged, StateChangedNotification{State: st})
	if err != nil {
		serverStatePushesTotal.WithLabelValues("dropped").Inc()
		return err
	}
	serverStatePushesTotal.WithLabelValues("delivered").Inc()
	return nil
}

// PushAll sends st to every registered client and returns how many received
// it. Clients whose push fails are unregistered.
func (n *StateNotifier) PushAll(ctx context.Context, st scheduler.State) int {
	n.mu.RLock()
	clients := make([]*jrpc2.Server, 0, len(n.clients))
	for srv := range n.clients {
		clients = append(clients, srv)
	}
	n.mu.RUnlock()

	var failed []*jrpc2.Server
	for _, srv := range clients {
		if err := n.Push(ctx, srv, st); err != nil {
			failed = append(failed, srv)
		}
	}

	if len(failed) > 0 {
		n.mu.Lock()
		for _, srv := range failed {
			n.logger.Debug().
				Str("remote", n.clients[srv]).
				Str("status", string(st.Status)).
				Msg("State push failed, dropping client")
			delete(n.clients, srv)
		}
		count := len(n.clients)
		n.mu.Unlock()
		serverWSClients.Set(float64(count))
	}
	return len(clients) - len(failed)
}

// Count returns the number of registered clients.
func (n *StateNotifier) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.clients)
}
