// Package device описывает командные каналы контроллеров клапанов и расхода.
package device

import (
	"context"
	"errors"
	"time"
)

// Ack: одна отметка подтверждения от контроллера клапанов. На каждое открытие
// приходят три отметки: команда принята, клапан открыт, клапан закрыт.
type Ack struct {
	At time.Time
}

// AcksPerActuation: число отметок на одно открытие клапана.
const AcksPerActuation = 3

// ErrClosed возвращается после закрытия канала.
var ErrClosed = errors.New("device: channel closed")

// Valve: командный канал контроллера клапанов.
type Valve interface {
	OpenValve(ctx context.Context, symbol byte, ticks int) error
	OpenOdorGas(ctx context.Context, symbol byte, ticks int) error
	OpenGasValve(ctx context.Context, ticks int) error
	ExtraFlush(ctx context.Context, pre, extra int) error
	SwitchPanel(ctx context.Context) error
	Purge(ctx context.Context, count int) error
	SolventWash(ctx context.Context) error
	// Acks отдаёт поток подтверждений. Канал закрывается при потере связи.
	Acks() <-chan Ack
}

// Flow: командный канал контроллера расхода.
type Flow interface {
	SetFlow(ctx context.Context, voltages ...int) error
}

// Имена команд контроллеров, индекс в таблице равен номеру команды на проводе.
const (
	CmdOpenOdorValve = "open_odor_valve"
	CmdSwitchPanel   = "switch_panel"
	CmdExtraFlush    = "extra_flush"
	CmdPurgeSystem   = "purge_system"
	CmdSolventWash   = "solvent_wash"
	CmdOpenGasValve  = "open_CO2_valve"
	CmdOpenOdorGas   = "open_odor_CO2"

	CmdFlowSetup = "flow_setup"
	CmdTTLWrite  = "ttl_write"
)

// ValveCommands: таблица команд контроллера клапанов.
var ValveCommands = []string{
	CmdOpenOdorValve,
	CmdSwitchPanel,
	CmdExtraFlush,
	CmdPurgeSystem,
	CmdSolventWash,
	CmdOpenGasValve,
	CmdOpenOdorGas,
}

// FlowCommands: таблица команд контроллера расхода.
var FlowCommands = []string{
	CmdFlowSetup,
	CmdTTLWrite,
}

func commandIndex(table []string, name string) int {
	for i, n := range table {
		if n == name {
			return i
		}
	}
	return -1
}
