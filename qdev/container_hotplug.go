package qdev

import "strings"

func (c *Container) checkHMP(cmd HMPCommand) error {
	if !c.caps.SupportsHumanMonitorCommand(cmd.Name) {
		return &CapabilityError{What: "human monitor command", Name: cmd.Name}
	}
	return nil
}

func (c *Container) checkQMP(cmd QMPCommand) error {
	if !c.caps.SupportsQMPCommand(cmd.Name) {
		return &CapabilityError{What: "QMP command", Name: cmd.Name}
	}

	// The wrapped HMP command must be known as well
	if cmd.Name == "human-monitor-command" {
		if line, ok := cmd.Arguments["command-line"].(string); ok {
			name, _, _ := strings.Cut(line, " ")
			return c.checkHMP(HMPCommand{Name: name})
		}
	}

	return nil
}

// HotplugHMP returns the human monitor command adding dev if the
// binary supports it.
func (c *Container) HotplugHMP(dev *Device) (HMPCommand, error) {
	cmd, err := dev.HotplugHMP()
	if err != nil {
		return HMPCommand{}, err
	}

	if err := c.checkHMP(cmd); err != nil {
		return HMPCommand{}, err
	}

	return cmd, nil
}

func (c *Container) HotplugQMP(dev *Device) (QMPCommand, error) {
	cmd, err := dev.HotplugQMP()
	if err != nil {
		return QMPCommand{}, err
	}

	if err := c.checkQMP(cmd); err != nil {
		return QMPCommand{}, err
	}

	return cmd, nil
}

func (c *Container) UnplugHMP(dev *Device) (HMPCommand, error) {
	cmd, err := dev.UnplugHMP()
	if err != nil {
		return HMPCommand{}, err
	}

	if err := c.checkHMP(cmd); err != nil {
		return HMPCommand{}, err
	}

	return cmd, nil
}

func (c *Container) UnplugQMP(dev *Device) (QMPCommand, error) {
	cmd, err := dev.UnplugQMP()
	if err != nil {
		return QMPCommand{}, err
	}

	if err := c.checkQMP(cmd); err != nil {
		return QMPCommand{}, err
	}

	return cmd, nil
}
