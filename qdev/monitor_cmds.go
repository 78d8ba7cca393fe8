package qdev

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Verdict is the outcome of checking a monitor response.
type Verdict int

const (
	Indeterminate Verdict = iota
	Confirmed
	Failed
)

func (v Verdict) String() string {
	switch v {
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	}

	return "indeterminate"
}

// HMPCommand is a human monitor command line.
type HMPCommand struct {
	Name string
	Args string
}

func (c HMPCommand) String() string {
	if c.Args == "" {
		return c.Name
	}
	return c.Name + " " + c.Args
}

// QMPCommand is a structured monitor command.
type QMPCommand struct {
	Name      string                 `json:"execute"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

func (c QMPCommand) Equal(o QMPCommand) bool {
	return c.Name == o.Name && reflect.DeepEqual(c.Arguments, o.Arguments)
}

func (c QMPCommand) String() string {
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprintf("{%q: %q}", "execute", c.Name)
	}
	return string(b)
}

func qmpValue(v Value) interface{} {
	switch v.Kind() {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindNoEquals:
		return true
	case KindEmpty:
		return ""
	}

	return v.Text()
}

func qmpArguments(p *Params, skip ...string) map[string]interface{} {
	args := make(map[string]interface{}, p.Len())

outer:
	for _, x := range p.Items() {
		for _, s := range skip {
			if s == x.Key {
				continue outer
			}
		}
		args[x.Key] = qmpValue(x.Value)
	}

	return args
}

func humanMonitorCommand(c HMPCommand) QMPCommand {
	return QMPCommand{
		Name:      "human-monitor-command",
		Arguments: map[string]interface{}{"command-line": c.String()},
	}
}

var errorMarkers = []string{"error", "could not", "failed", "not found", "invalid", "unknown", "duplicate"}

func isEmptyReply(s string) bool {
	switch strings.ReplaceAll(strings.TrimSpace(s), " ", "") {
	case "", "{}", `{"return":{}}`:
		return true
	}
	return false
}

// verifyMonitorOutput classifies a generic monitor response. An empty
// reply means the command was accepted but its effect is not known yet.
func verifyMonitorOutput(out string) Verdict {
	s := strings.TrimSpace(out)

	switch {
	case isEmptyReply(s):
		return Indeterminate
	case s == "OK":
		return Confirmed
	}

	ls := strings.ToLower(s)

	for _, m := range errorMarkers {
		if strings.Contains(ls, m) {
			return Failed
		}
	}

	return Indeterminate
}

type variantOps struct {
	cmdline       func(*Device) string
	hotplugHMP    func(*Device) (HMPCommand, error)
	hotplugQMP    func(*Device) (QMPCommand, error)
	unplugHMP     func(*Device) (HMPCommand, error)
	unplugQMP     func(*Device) (QMPCommand, error)
	verifyHotplug func(*Device, string) Verdict
}

var ops map[Variant]*variantOps

func requireID(d *Device, op string) (string, error) {
	if qid := d.QemuID(); qid != "" {
		return qid, nil
	}
	return "", fmt.Errorf("%w: %s of %s without id", ErrNotSupported, op, d)
}

func init() {
	ops = map[Variant]*variantOps{
		VariantString: {
			cmdline: func(d *Device) string { return d.cmdline },
		},
		VariantCustom: {
			cmdline: func(d *Device) string {
				if s := d.params.Join(); s != "" {
					return "-" + d.kind + " " + s
				}
				return "-" + d.kind
			},
		},
		VariantDevice: {
			cmdline: func(d *Device) string {
				s := "-device " + d.Driver()
				if rest := d.params.Join("driver"); rest != "" {
					s += "," + rest
				}
				return s
			},
			hotplugHMP: func(d *Device) (HMPCommand, error) {
				return HMPCommand{Name: "device_add", Args: d.params.Join()}, nil
			},
			hotplugQMP: func(d *Device) (QMPCommand, error) {
				return QMPCommand{Name: "device_add", Arguments: qmpArguments(d.params)}, nil
			},
			unplugHMP: func(d *Device) (HMPCommand, error) {
				qid, err := requireID(d, "device_del")
				if err != nil {
					return HMPCommand{}, err
				}
				return HMPCommand{Name: "device_del", Args: qid}, nil
			},
			unplugQMP: func(d *Device) (QMPCommand, error) {
				qid, err := requireID(d, "device_del")
				if err != nil {
					return QMPCommand{}, err
				}
				return QMPCommand{Name: "device_del", Arguments: map[string]interface{}{"id": qid}}, nil
			},
			verifyHotplug: func(d *Device, out string) Verdict {
				// device_add is silent on success
				if isEmptyReply(out) {
					return Indeterminate
				}
				return Failed
			},
		},
		VariantDrive: {
			cmdline: func(d *Device) string {
				return "-drive " + d.params.Join()
			},
			hotplugHMP: func(d *Device) (HMPCommand, error) {
				return HMPCommand{Name: "drive_add", Args: "auto " + d.params.Join()}, nil
			},
			hotplugQMP: func(d *Device) (QMPCommand, error) {
				return humanMonitorCommand(HMPCommand{Name: "drive_add", Args: "auto " + d.params.Join()}), nil
			},
			unplugHMP: func(d *Device) (HMPCommand, error) {
				qid, err := requireID(d, "drive_del")
				if err != nil {
					return HMPCommand{}, err
				}
				return HMPCommand{Name: "drive_del", Args: qid}, nil
			},
			unplugQMP: func(d *Device) (QMPCommand, error) {
				qid, err := requireID(d, "drive_del")
				if err != nil {
					return QMPCommand{}, err
				}
				return humanMonitorCommand(HMPCommand{Name: "drive_del", Args: qid}), nil
			},
			verifyHotplug: func(d *Device, out string) Verdict {
				return verifyMonitorOutput(out)
			},
		},
		VariantNetdev: {
			cmdline: func(d *Device) string {
				s := "-netdev " + d.GetString("type")
				if rest := d.params.Join("type"); rest != "" {
					s += "," + rest
				}
				return s
			},
			hotplugHMP: func(d *Device) (HMPCommand, error) {
				args := d.GetString("type")
				if rest := d.params.Join("type"); rest != "" {
					args += "," + rest
				}
				return HMPCommand{Name: "netdev_add", Args: args}, nil
			},
			hotplugQMP: func(d *Device) (QMPCommand, error) {
				return QMPCommand{Name: "netdev_add", Arguments: qmpArguments(d.params)}, nil
			},
			unplugHMP: func(d *Device) (HMPCommand, error) {
				qid, err := requireID(d, "netdev_del")
				if err != nil {
					return HMPCommand{}, err
				}
				return HMPCommand{Name: "netdev_del", Args: qid}, nil
			},
			unplugQMP: func(d *Device) (QMPCommand, error) {
				qid, err := requireID(d, "netdev_del")
				if err != nil {
					return QMPCommand{}, err
				}
				return QMPCommand{Name: "netdev_del", Arguments: map[string]interface{}{"id": qid}}, nil
			},
			verifyHotplug: func(d *Device, out string) Verdict {
				return verifyMonitorOutput(out)
			},
		},
	}
}
