package api

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pv/odor-delivery-go/internal/pattern"
	"github.com/pv/odor-delivery-go/internal/runlog"
	"github.com/pv/odor-delivery-go/internal/sequencer"
	"github.com/pv/odor-delivery-go/pkg/config"
)

var (
	errNoActiveJob  = errors.New("no active job")
	errNoRunLog     = errors.New("run log is not configured")
	errEmptyPattern = errors.New("pattern or block is required")
)

// EventSource отдаёт события журнала запусков.
type EventSource interface {
	Events(ctx context.Context, q runlog.Query) ([]runlog.Event, error)
}

// Manager отвечает за один запуск паттерна и сервисные операции стенда.
type Manager struct {
	mu sync.Mutex

	exec     *sequencer.Executor
	cfg      *config.Config
	symbols  pattern.SymbolSet
	events   EventSource
	streamer *StepStreamer

	job       *job
	jobCancel context.CancelFunc
}

type job struct {
	runID       string
	pattern     string
	block       string
	repeat      int
	fingerprint int64
	status      string
	startedAt   time.Time
	finishedAt  time.Time
	steps       int64
	lastTrack   string
	lastStep    string
	commands    int64
	err         error
}

// NewManager связывает исполнитель с конфигурацией. events и streamer могут быть nil.
func NewManager(exec *sequencer.Executor, cfg *config.Config, events EventSource, streamer *StepStreamer) (*Manager, error) {
	if exec == nil {
		return nil, errors.New("api: executor is nil")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	symbols, err := pattern.NewSymbolSet(cfg.Valves.Symbols, cfg.Valves.Flush, cfg.Valves.Gas)
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}
	m := &Manager{
		exec:     exec,
		cfg:      cfg,
		symbols:  symbols,
		events:   events,
		streamer: streamer,
	}
	exec.OnStep = m.onStep
	return m, nil
}

// Start разбирает и проверяет паттерн, затем запускает его в фоне.
// repeat > 0 заменяет число повторов из текста.
func (m *Manager) Start(_ context.Context, text string, repeat int) (Status, error) {
	return m.start(text, "", repeat)
}

// StartBlock запускает именованный блок из конфигурации.
func (m *Manager) StartBlock(_ context.Context, name string, repeat int) (Status, error) {
	text, err := m.cfg.Block(name)
	if err != nil {
		return Status{}, err
	}
	return m.start(text, name, repeat)
}

func (m *Manager) start(text, block string, repeat int) (Status, error) {
	p, err := m.prepare(text, repeat)
	if err != nil {
		return Status{}, err
	}

	m.mu.Lock()
	if m.job != nil && m.job.status == sequencer.Running.String() {
		m.mu.Unlock()
		return Status{}, sequencer.ErrBusy
	}
	// Запуск живёт на фоновом контексте: ответ HTTP-хендлера его не отменяет.
	runCtx, cancel := context.WithCancel(context.Background())
	m.jobCancel = cancel
	j := &job{
		pattern:     p.String(),
		block:       block,
		repeat:      p.Repeat,
		fingerprint: p.Fingerprint(),
		status:      sequencer.Running.String(),
		startedAt:   time.Now(),
	}
	m.job = j
	st := m.statusLocked()
	m.mu.Unlock()

	logDebugf("[api] start %s", j.pattern)
	m.publishRun(j)

	go func() {
		defer cancel()
		res, err := m.exec.Run(runCtx, p)

		m.mu.Lock()
		j.finishedAt = time.Now()
		if err != nil {
			j.status = "failed"
			j.err = err
		} else {
			j.runID = res.RunID
			j.status = res.Outcome.String()
			j.err = res.Err
			j.commands = res.Commands
		}
		m.mu.Unlock()
		m.publishRun(j)
	}()
	return st, nil
}

func (m *Manager) prepare(text string, repeat int) (*pattern.Pattern, error) {
	if text == "" {
		return nil, errEmptyPattern
	}
	p, err := pattern.Parse(text, m.symbols)
	if err != nil {
		return nil, err
	}
	if repeat > 0 {
		p.Repeat = repeat
	}
	if err := m.exec.Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Stop поднимает флаг остановки текущего запуска.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.job == nil || m.job.status != sequencer.Running.String() {
		m.mu.Unlock()
		return errNoActiveJob
	}
	cancel := m.jobCancel
	m.mu.Unlock()

	m.exec.Stop()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Status возвращает сведения о текущем или последнем запуске.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	if m.job == nil {
		return Status{Status: sequencer.Idle.String()}
	}
	j := m.job
	st := Status{
		Status:      j.status,
		RunID:       j.runID,
		Pattern:     j.pattern,
		Block:       j.block,
		Repeat:      j.repeat,
		Fingerprint: j.fingerprint,
		StartedAt:   j.startedAt,
		FinishedAt:  j.finishedAt,
		Steps:       j.steps,
		LastTrack:   j.lastTrack,
		LastStep:    j.lastStep,
		Commands:    j.commands,
	}
	if j.err != nil {
		st.Error = j.err.Error()
	}
	return st
}

// Wait блокируется до завершения текущего запуска или отмены ctx.
func (m *Manager) Wait(ctx context.Context) (Status, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		st := m.Status()
		if st.Status != sequencer.Running.String() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) onStep(ev sequencer.StepEvent) {
	m.mu.Lock()
	if m.job != nil {
		m.job.runID = ev.RunID
		m.job.steps++
		m.job.lastTrack = ev.Track
		m.job.lastStep = ev.Field
	}
	m.mu.Unlock()
	if m.streamer != nil {
		m.streamer.PublishStep(ev)
	}
}

func (m *Manager) publishRun(j *job) {
	if m.streamer == nil {
		return
	}
	m.mu.Lock()
	runID, status, text, err := j.runID, j.status, j.pattern, j.err
	m.mu.Unlock()
	m.streamer.PublishRun(runID, status, text, err)
}

// Describe разбирает паттерн без запуска.
func (m *Manager) Describe(text string, repeat int) (PatternInfo, error) {
	p, err := m.prepare(text, repeat)
	if err != nil {
		return PatternInfo{}, err
	}
	return PatternInfo{
		Pattern:     p.String(),
		Repeat:      p.Repeat,
		DualTrack:   p.DualTrack(),
		OdorSteps:   len(p.Odor),
		GasSteps:    len(p.Gas),
		Fingerprint: p.Fingerprint(),
	}, nil
}

// Generate строит случайный блок. seed == 0 берёт случайное зерно.
func (m *Manager) Generate(opts pattern.GenerateOptions, seed uint64) (string, error) {
	if opts.Channels == "" {
		opts.Channels = m.symbols.Valves
	}
	if opts.Flush == 0 {
		opts.Flush = m.symbols.Flush
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	return pattern.Generate(opts, rand.New(rand.NewPCG(seed, seed>>1)))
}

// Blocks возвращает именованные блоки конфигурации.
func (m *Manager) Blocks() map[string]string {
	out := make(map[string]string, len(m.cfg.Blocks))
	for _, name := range m.cfg.BlockNames() {
		out[name] = m.cfg.Blocks[name]
	}
	return out
}

// Events читает журнал запусков.
func (m *Manager) Events(ctx context.Context, q runlog.Query) ([]runlog.Event, error) {
	if m.events == nil {
		return nil, errNoRunLog
	}
	return m.events.Events(ctx, q)
}

// Сервисные операции. Пустой список напряжений берётся из конфигурации.

func (m *Manager) SetFlow(ctx context.Context, voltages []int) error {
	if len(voltages) == 0 {
		voltages = m.cfg.Flow.Defaults
	}
	return m.maintenance(func() error { return m.exec.SetFlow(ctx, voltages...) })
}

func (m *Manager) Purge(ctx context.Context, count int) error {
	return m.maintenance(func() error { return m.exec.Purge(ctx, count) })
}

func (m *Manager) SolventWash(ctx context.Context, voltages []int) error {
	if len(voltages) == 0 {
		voltages = m.cfg.Flow.Wash
	}
	return m.maintenance(func() error { return m.exec.SolventWash(ctx, voltages) })
}

func (m *Manager) SolventDry(ctx context.Context, voltages []int) error {
	if len(voltages) == 0 {
		voltages = m.cfg.Flow.Dry
	}
	return m.maintenance(func() error { return m.exec.SolventDry(ctx, voltages) })
}

func (m *Manager) SwitchPanel(ctx context.Context) error {
	return m.maintenance(func() error { return m.exec.SwitchPanel(ctx) })
}

func (m *Manager) maintenance(fn func() error) error {
	m.mu.Lock()
	busy := m.job != nil && m.job.status == sequencer.Running.String()
	m.mu.Unlock()
	if busy {
		return sequencer.ErrBusy
	}
	return fn()
}

type Status struct {
	Status      string    `json:"status"`
	RunID       string    `json:"run_id,omitempty"`
	Pattern     string    `json:"pattern,omitempty"`
	Block       string    `json:"block,omitempty"`
	Repeat      int       `json:"repeat,omitempty"`
	Fingerprint int64     `json:"fingerprint,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Steps       int64     `json:"steps"`
	LastTrack   string    `json:"last_track,omitempty"`
	LastStep    string    `json:"last_step,omitempty"`
	Commands    int64     `json:"commands"`
	Error       string    `json:"error,omitempty"`
}

type PatternInfo struct {
	Pattern     string `json:"pattern"`
	Repeat      int    `json:"repeat"`
	DualTrack   bool   `json:"dual_track"`
	OdorSteps   int    `json:"odor_steps"`
	GasSteps    int    `json:"gas_steps"`
	Fingerprint int64  `json:"fingerprint"`
}
