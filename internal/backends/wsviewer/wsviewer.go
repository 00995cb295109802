// Package wsviewer is a viewer backend that streams the published scene to
// websocket clients instead of rendering it.
package wsviewer

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/simenv/core"
	"github.com/signalsfoundry/simenv/internal/logging"
	"github.com/signalsfoundry/simenv/model"
)

// XMLID is the factory identifier of the viewer.
const XMLID = "websocket"

// Defaults used by New.
const (
	DefaultAddr     = ":8090"
	DefaultInterval = 50 * time.Millisecond

	// simulationDelta and writeTimeout match the headless viewer loop.
	simulationDelta = 10 * time.Millisecond
	writeTimeout    = time.Second
)

// LinkPose is one link transform in a frame.
type LinkPose struct {
	Pos [3]float64 `json:"pos"`
	Rot [4]float64 `json:"rot"`
}

// BodyFrame is one body in a frame.
type BodyFrame struct {
	Name  string     `json:"name"`
	ID    int        `json:"id"`
	Links []LinkPose `json:"links"`
	DOF   []float64  `json:"dof,omitempty"`
}

// Frame is the JSON message pushed to clients.
type Frame struct {
	Title     string          `json:"title,omitempty"`
	SimTimeUS int64           `json:"sim_time_us"`
	Camera    LinkPose        `json:"camera"`
	Bodies    []BodyFrame     `json:"bodies"`
	Graphs    []core.Geometry `json:"graphs,omitempty"`
}

// Viewer implements core.Viewer.
type Viewer struct {
	env      core.Environment
	log      logging.Logger
	addr     string
	interval time.Duration
	upgrader websocket.Upgrader

	mu        sync.Mutex
	title     string
	width     int
	height    int
	camera    model.Transform
	graphs    map[core.GraphHandle]core.Geometry
	nextGraph core.GraphHandle
	clients   map[*websocket.Conn]struct{}
	bound     net.Addr

	quit     chan struct{}
	quitOnce sync.Once
}

var _ core.Viewer = (*Viewer)(nil)

// Option customises a Viewer.
type Option func(*Viewer)

// WithAddr sets the listen address used by Main.
func WithAddr(addr string) Option {
	return func(v *Viewer) {
		if addr != "" {
			v.addr = addr
		}
	}
}

// WithInterval sets the frame cadence.
func WithInterval(d time.Duration) Option {
	return func(v *Viewer) {
		if d > 0 {
			v.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(v *Viewer) {
		v.log = logging.OrNoop(l)
	}
}

// New returns a viewer for env. Nothing is served until Main runs.
func New(env core.Environment, opts ...Option) *Viewer {
	v := &Viewer{
		env:      env,
		log:      logging.Noop(),
		addr:     DefaultAddr,
		interval: DefaultInterval,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		camera:   model.IdentityTransform(),
		graphs:   make(map[core.GraphHandle]core.Geometry),
		clients:  make(map[*websocket.Conn]struct{}),
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Viewer) XMLID() string                      { return XMLID }
func (v *Viewer) EnvironmentID() model.EnvironmentID { return v.env.ID() }

// Main serves /ws and /healthz, starts the simulation in real time if it is
// not running and pushes frames until Quit. It returns 1 when the listener
// cannot be opened.
func (v *Viewer) Main(show bool) int {
	ctx := context.Background()
	ln, err := net.Listen("tcp", v.addr)
	if err != nil {
		v.log.Error(ctx, "viewer failed to listen", logging.String("addr", v.addr), logging.Err(err))
		return 1
	}
	v.mu.Lock()
	v.bound = ln.Addr()
	v.mu.Unlock()

	srv := &http.Server{Handler: v.Handler(), ReadHeaderTimeout: 5 * time.Second}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()
	v.log.Info(ctx, "viewer listening", logging.String("addr", ln.Addr().String()), logging.Bool("show", show))

	if !v.env.IsSimulationRunning() {
		v.env.StartSimulation(simulationDelta, true)
	}

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-v.quit:
			break loop
		case err := <-served:
			if !errors.Is(err, http.ErrServerClosed) {
				v.log.Error(ctx, "viewer server stopped", logging.Err(err))
			}
			v.closeClients()
			return 1
		case <-ticker.C:
			v.broadcast(v.Frame())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		v.log.Warn(ctx, "viewer shutdown", logging.Err(err))
	}
	v.closeClients()
	return 0
}

// Addr returns the address Main bound, or nil before it has.
func (v *Viewer) Addr() net.Addr {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bound
}

// Quit makes Main return. It is safe to call more than once and before Main.
func (v *Viewer) Quit() {
	v.quitOnce.Do(func() { close(v.quit) })
}

// Reset drops every drawing.
func (v *Viewer) Reset() {
	v.mu.Lock()
	clear(v.graphs)
	v.mu.Unlock()
}

func (v *Viewer) SetTitle(title string) {
	v.mu.Lock()
	v.title = title
	v.mu.Unlock()
}

func (v *Viewer) SetSize(width, height int) {
	v.mu.Lock()
	v.width, v.height = width, height
	v.mu.Unlock()
}

func (v *Viewer) SetCamera(t model.Transform) {
	v.mu.Lock()
	v.camera = t
	v.mu.Unlock()
}

func (v *Viewer) CameraTransform() model.Transform {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.camera
}

// Draw stores g and includes it in every frame until CloseGraph.
func (v *Viewer) Draw(g core.Geometry) core.GraphHandle {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextGraph++
	v.graphs[v.nextGraph] = g
	return v.nextGraph
}

func (v *Viewer) CloseGraph(h core.GraphHandle) {
	v.mu.Lock()
	delete(v.graphs, h)
	v.mu.Unlock()
}

// Frame builds a frame from the environment's published snapshot.
func (v *Viewer) Frame() Frame {
	states := v.env.PublishedBodies()
	f := Frame{
		SimTimeUS: v.env.SimulationTime().Microseconds(),
		Bodies:    make([]BodyFrame, 0, len(states)),
	}
	for _, s := range states {
		bf := BodyFrame{Name: s.Name, ID: s.ID, DOF: s.DOFValues, Links: make([]LinkPose, len(s.Transforms))}
		for i, t := range s.Transforms {
			bf.Links[i] = pose(t)
		}
		f.Bodies = append(f.Bodies, bf)
	}

	v.mu.Lock()
	f.Title = v.title
	f.Camera = pose(v.camera)
	for _, h := range slices.Sorted(maps.Keys(v.graphs)) {
		f.Graphs = append(f.Graphs, v.graphs[h])
	}
	v.mu.Unlock()
	return f
}

func pose(t model.Transform) LinkPose {
	return LinkPose{
		Pos: [3]float64{t.Trans.X, t.Trans.Y, t.Trans.Z},
		Rot: [4]float64{t.Rot.W, t.Rot.X, t.Rot.Y, t.Rot.Z},
	}
}

// Handler serves /ws and /healthz.
func (v *Viewer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", v.handleWebSocket)
	mux.HandleFunc("/healthz", v.handleHealth)
	return mux
}

func (v *Viewer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"simulating":  v.env.IsSimulationRunning(),
		"sim_time_us": v.env.SimulationTime().Microseconds(),
		"bodies":      len(v.env.PublishedBodies()),
	})
}

func (v *Viewer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		v.log.Debug(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}
	if err := v.send(conn, v.Frame()); err != nil {
		_ = conn.Close()
		return
	}
	v.mu.Lock()
	v.clients[conn] = struct{}{}
	v.mu.Unlock()

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	v.drop(conn)
}

func (v *Viewer) send(conn *websocket.Conn, f Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

func (v *Viewer) broadcast(f Frame) {
	v.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(v.clients))
	for c := range v.clients {
		conns = append(conns, c)
	}
	v.mu.Unlock()

	for _, c := range conns {
		if err := v.send(c, f); err != nil {
			v.drop(c)
		}
	}
}

func (v *Viewer) drop(conn *websocket.Conn) {
	v.mu.Lock()
	_, ok := v.clients[conn]
	delete(v.clients, conn)
	v.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

func (v *Viewer) closeClients() {
	v.mu.Lock()
	conns := v.clients
	v.clients = make(map[*websocket.Conn]struct{})
	v.mu.Unlock()
	for c := range conns {
		_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "viewer quit"), time.Now().Add(writeTimeout))
		_ = c.Close()
	}
}
