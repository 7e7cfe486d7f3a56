// Package monitoring turns a running simulation into an HTTP server that can
// be inspected and paused from outside.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/simlog/dispatch"
	"github.com/sarchlab/simlog/event"
	"github.com/sarchlab/simlog/simulation"
	"github.com/sarchlab/simlog/state"
)

// Monitor can turn a simulation into a server and allows external monitoring
// and controlling of the simulation.
type Monitor struct {
	sim        *simulation.Simulation
	store      *state.Store
	portNumber int
	log        zerolog.Logger

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	server *http.Server
	url    string
}

// NewMonitor creates a new Monitor.
func NewMonitor(logger zerolog.Logger) *Monitor {
	return &Monitor{
		log: logger.With().Str("component", "monitor").Logger(),
	}
}

// WithPortNumber sets the port number of the monitor. Zero picks a free
// port.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		m.log.Warn().Int("port", portNumber).
			Msg("privileged port not allowed, using a random port instead")

		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterSimulation registers the simulation to monitor.
func (m *Monitor) RegisterSimulation(s *simulation.Simulation) {
	m.sim = s
}

// RegisterStore registers the store holding committed component states.
func (m *Monitor) RegisterStore(s *state.Store) {
	m.store = s
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := newProgressBar(name, total)

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar from the list of bars shown.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Handler returns the HTTP routes of the monitor.
func (m *Monitor) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/pause", m.pause).Methods(http.MethodPost)
	r.HandleFunc("/api/continue", m.continueRun).Methods(http.MethodPost)
	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/list_components", m.listComponents)
	r.HandleFunc("/api/component/{name}", m.listComponentDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/states", m.listStates)
	r.HandleFunc("/api/state/{key:.+}", m.loadState)
	r.HandleFunc("/api/topics", m.listTopics)
	r.HandleFunc("/api/log", m.logStats)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)

	return r
}

// StartServer starts serving in the background and returns the URL of the
// monitor.
func (m *Monitor) StartServer() (string, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return "", fmt.Errorf("monitoring: listening: %w", err)
	}

	m.url = fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	m.server = &http.Server{
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	fmt.Fprintf(os.Stderr, "Monitoring simulation with %s\n", m.url)

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.log.Error().Err(err).Msg("monitor server stopped")
		}
	}()

	return m.url, nil
}

// OpenBrowser opens the monitor in the default browser.
func (m *Monitor) OpenBrowser() error {
	if m.url == "" {
		return errors.New("monitoring: server not started")
	}

	return browser.OpenURL(m.url + "/api/now")
}

// Shutdown stops the server.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.log.Error().Err(err).Msg("failed to write response")
	}
}

func (m *Monitor) writeError(w http.ResponseWriter, status int, err error) {
	m.log.Debug().Err(err).Int("status", status).Msg("request failed")
	http.Error(w, err.Error(), status)
}

func (m *Monitor) simulationOr503(w http.ResponseWriter) bool {
	if m.sim == nil {
		m.writeError(w, http.StatusServiceUnavailable,
			errors.New("no simulation registered"))

		return false
	}

	return true
}

func (m *Monitor) pause(w http.ResponseWriter, _ *http.Request) {
	if !m.simulationOr503(w) {
		return
	}

	m.sim.Interceptor().Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (m *Monitor) continueRun(w http.ResponseWriter, _ *http.Request) {
	if !m.simulationOr503(w) {
		return
	}

	m.sim.Interceptor().Continue()
	w.WriteHeader(http.StatusNoContent)
}

type nowRsp struct {
	Now     float64 `json:"now"`
	State   string  `json:"state"`
	Paused  bool    `json:"paused"`
	Events  uint64  `json:"events"`
	Steps   uint64  `json:"steps"`
	Pending int     `json:"pending"`
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	if !m.simulationOr503(w) {
		return
	}

	i := m.sim.Interceptor()
	m.writeJSON(w, nowRsp{
		Now:     float64(i.CurrentTime()),
		State:   i.State().String(),
		Paused:  i.Paused(),
		Events:  i.Fired(),
		Steps:   i.Steps(),
		Pending: i.Pending(),
	})
}

func (m *Monitor) listComponents(w http.ResponseWriter, _ *http.Request) {
	if !m.simulationOr503(w) {
		return
	}

	names := []string{}
	for _, c := range m.sim.Manager().Components() {
		names = append(names, c.Name())
	}

	m.writeJSON(w, names)
}

func (m *Monitor) findComponentOr404(
	w http.ResponseWriter,
	name string,
) dispatch.Component {
	if !m.simulationOr503(w) {
		return nil
	}

	for _, c := range m.sim.Manager().Components() {
		if c.Name() == name || c.ID() == name {
			return c
		}
	}

	m.writeError(w, http.StatusNotFound,
		fmt.Errorf("component %q not found", name))

	return nil
}

func (m *Monitor) listComponentDetails(w http.ResponseWriter, r *http.Request) {
	component := m.findComponentOr404(w, mux.Vars(r)["name"])
	if component == nil {
		return
	}

	root, ok := m.inspectable(w, component)
	if !ok {
		return
	}

	m.serialize(w, root, nil)
}

type statusPublisher interface {
	StatusKey() string
}

// inspectable returns the committed state of a component if it publishes one
// to the store. Otherwise the component itself is returned, but only while
// the simulation is not stepping.
func (m *Monitor) inspectable(
	w http.ResponseWriter,
	component dispatch.Component,
) (any, bool) {
	if p, ok := component.(statusPublisher); ok && m.store != nil {
		if snapshot, err := m.store.Load(p.StatusKey()); err == nil {
			return snapshot.Value, true
		}
	}

	i := m.sim.Interceptor()
	if i.State() == simulation.StateRunning && (!i.Paused() || i.Stepping()) {
		m.writeError(w, http.StatusConflict,
			fmt.Errorf("%s publishes no state; pause the run to inspect it",
				component.Name()))

		return nil, false
	}

	return component, true
}

type fieldReq struct {
	CompName  string `json:"comp_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	if err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req); err != nil {
		m.writeError(w, http.StatusBadRequest, err)
		return
	}

	component := m.findComponentOr404(w, req.CompName)
	if component == nil {
		return
	}

	root, ok := m.inspectable(w, component)
	if !ok {
		return
	}

	m.serialize(w, root, strings.Split(req.FieldName, "."))
}

func (m *Monitor) serialize(w http.ResponseWriter, root any, fields []string) {
	serializer := goseth.NewSerializer()
	serializer.SetRoot(root)
	serializer.SetMaxDepth(1)

	if len(fields) > 0 {
		if err := serializer.SetEntryPoint(fields); err != nil {
			m.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	buf := bytes.NewBuffer(nil)
	if err := serializer.Serialize(buf); err != nil {
		m.writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(buf.Bytes())
}

func (m *Monitor) listStates(w http.ResponseWriter, _ *http.Request) {
	if m.store == nil {
		m.writeJSON(w, []string{})
		return
	}

	m.writeJSON(w, m.store.Keys())
}

func (m *Monitor) loadState(w http.ResponseWriter, r *http.Request) {
	if m.store == nil {
		m.writeError(w, http.StatusNotFound, errors.New("no state store"))
		return
	}

	snapshot, err := m.store.Load(mux.Vars(r)["key"])
	if err != nil {
		m.writeError(w, http.StatusNotFound, err)
		return
	}

	m.writeJSON(w, snapshot)
}

type topicRsp struct {
	Topic       event.Topic `json:"topic"`
	Description string      `json:"description"`
	Subscribers []string    `json:"subscribers"`
}

func (m *Monitor) listTopics(w http.ResponseWriter, _ *http.Request) {
	if !m.simulationOr503(w) {
		return
	}

	rsp := []topicRsp{}

	for topic, desc := range m.sim.Topics().Descriptions() {
		t := topicRsp{Topic: topic, Description: desc, Subscribers: []string{}}

		for _, sub := range m.sim.Manager().Subscribers(topic) {
			t.Subscribers = append(t.Subscribers, sub.Name())
		}

		rsp = append(rsp, t)
	}

	slices.SortFunc(rsp, func(a, b topicRsp) int {
		return strings.Compare(string(a.Topic), string(b.Topic))
	})
	m.writeJSON(w, rsp)
}

func (m *Monitor) logStats(w http.ResponseWriter, _ *http.Request) {
	if !m.simulationOr503(w) {
		return
	}

	m.writeJSON(w, m.sim.Sink().Stats())
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := make([]ProgressBarStatus, 0, len(m.progressBars))

	for _, b := range m.progressBars {
		bars = append(bars, b.Status())
	}
	m.progressBarsLock.Unlock()

	m.writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err)
		return
	}

	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err)
		return
	}

	memoryInfo, err := proc.MemoryInfo()
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err)
		return
	}

	m.writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memoryInfo.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	duration := time.Second

	if s := r.URL.Query().Get("seconds"); s != "" {
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil || secs <= 0 {
			m.writeError(w, http.StatusBadRequest,
				fmt.Errorf("invalid seconds %q", s))

			return
		}

		duration = time.Duration(secs * float64(time.Second))
	}

	buf := bytes.NewBuffer(nil)

	if err := pprof.StartCPUProfile(buf); err != nil {
		m.writeError(w, http.StatusConflict, err)
		return
	}

	select {
	case <-time.After(duration):
	case <-r.Context().Done():
	}

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	if err != nil {
		m.writeError(w, http.StatusInternalServerError, err)
		return
	}

	m.writeJSON(w, prof)
}
