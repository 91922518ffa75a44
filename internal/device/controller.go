package device

import (
	"context"
	"fmt"
	"log"
)

// ValveController: контроллер клапанов поверх Messenger.
type ValveController struct {
	M      *Messenger
	Logger *log.Logger
}

func (c *ValveController) send(ctx context.Context, name string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Logger != nil {
		c.Logger.Printf("[valve] %s %v", name, args)
	}
	if err := c.M.Send(commandIndex(ValveCommands, name), args...); err != nil {
		return fmt.Errorf("valve %s: %w", name, err)
	}
	return nil
}

func (c *ValveController) OpenValve(ctx context.Context, symbol byte, ticks int) error {
	return c.send(ctx, CmdOpenOdorValve, symbol, ticks)
}

func (c *ValveController) OpenOdorGas(ctx context.Context, symbol byte, ticks int) error {
	return c.send(ctx, CmdOpenOdorGas, symbol, ticks)
}

func (c *ValveController) OpenGasValve(ctx context.Context, ticks int) error {
	return c.send(ctx, CmdOpenGasValve, ticks)
}

func (c *ValveController) ExtraFlush(ctx context.Context, pre, extra int) error {
	return c.send(ctx, CmdExtraFlush, pre, extra)
}

func (c *ValveController) SwitchPanel(ctx context.Context) error {
	return c.send(ctx, CmdSwitchPanel)
}

func (c *ValveController) Purge(ctx context.Context, count int) error {
	return c.send(ctx, CmdPurgeSystem, count)
}

func (c *ValveController) SolventWash(ctx context.Context) error {
	return c.send(ctx, CmdSolventWash)
}

func (c *ValveController) Acks() <-chan Ack {
	return c.M.Acks()
}

// FlowController: контроллер расходомеров. Также управляет двумя TTL-выходами.
type FlowController struct {
	M *Messenger
	// Channels: число каналов расхода (3..5), совпадает с прошивкой.
	Channels int
	Logger   *log.Logger
}

// SetFlow задаёт напряжения расходомеров. Недостающие каналы дополняются нулями.
func (c *FlowController) SetFlow(ctx context.Context, voltages ...int) error {
	if err := CheckFlowArity(len(voltages), c.Channels); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	args := make([]any, c.Channels)
	for i := range args {
		args[i] = 0
	}
	for i, v := range voltages {
		args[i] = v
	}
	if c.Logger != nil {
		c.Logger.Printf("[flow] %s %v", CmdFlowSetup, voltages)
	}
	if err := c.M.Send(commandIndex(FlowCommands, CmdFlowSetup), args...); err != nil {
		return fmt.Errorf("flow %s: %w", CmdFlowSetup, err)
	}
	return nil
}

// WriteTTL выставляет линии старта и остановки регистрации.
func (c *FlowController) WriteTTL(start, stop bool) error {
	if err := c.M.Send(commandIndex(FlowCommands, CmdTTLWrite), start, stop); err != nil {
		return fmt.Errorf("flow %s: %w", CmdTTLWrite, err)
	}
	return nil
}

// CheckFlowArity проверяет число напряжений для контроллера с channels каналами.
func CheckFlowArity(n, channels int) error {
	if channels < 3 || channels > 5 {
		return fmt.Errorf("flow: controller must have 3..5 channels, got %d", channels)
	}
	if n < 3 || n > channels {
		return fmt.Errorf("flow: expected 3..%d voltages, got %d", channels, n)
	}
	return nil
}
