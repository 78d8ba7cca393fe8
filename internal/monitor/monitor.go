package monitor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	qmp "github.com/0xef53/go-qmp/v2"
)

// Pool holds QMP connections to running instances accessed by instance name.
type Pool struct {
	mu      sync.Mutex
	mondir  string
	timeout time.Duration
	table   map[string]*qmp.Monitor
}

func NewPool(mondir string, timeout time.Duration) *Pool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Pool{
		mondir:  mondir,
		timeout: timeout,
		table:   make(map[string]*qmp.Monitor),
	}
}

// SocketPath returns the QMP socket path of the instance. Names
// containing a path separator are used as is.
func (p *Pool) SocketPath(name string) string {
	if filepath.IsAbs(name) || filepath.Base(name) != name {
		return name
	}
	return filepath.Join(p.mondir, name+".qmp")
}

// NewMonitor connects to the instance socket and stores the
// connection in the pool, replacing a previous one.
func (p *Pool) NewMonitor(name string) (*qmp.Monitor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, err := qmp.NewMonitor(p.SocketPath(name), p.timeout)
	if err != nil {
		return nil, err
	}

	if old, found := p.table[name]; found {
		old.Close()
	}

	p.table[name] = m

	return m, nil
}

// CloseAll closes every connection of the pool.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, m := range p.table {
		m.Close()
		delete(p.table, name)
	}
}

func (p *Pool) getMonitor(name string) (*qmp.Monitor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, found := p.table[name]
	if !found {
		return nil, &net.OpError{Op: "read/write", Net: "unix", Err: &os.SyscallError{Syscall: "syscall", Err: syscall.ENOENT}}
	}

	return m, nil
}

func (p *Pool) Run(name string, cmd interface{}, res interface{}) error {
	m, err := p.getMonitor(name)
	if err != nil {
		return err
	}

	return m.Run(cmd, res)
}

func (p *Pool) RunHuman(name, cmdline string) (string, error) {
	m, err := p.getMonitor(name)
	if err != nil {
		return "", err
	}

	return m.RunHuman(cmdline)
}

func (p *Pool) WaitDeviceDeletedEvent(name string, ctx context.Context, device string, after uint64) (*qmp.Event, error) {
	m, err := p.getMonitor(name)
	if err != nil {
		return nil, err
	}

	return m.WaitDeviceDeletedEvent(ctx, device, after)
}

// Instance is a monitor bound to one instance of the pool.
type Instance struct {
	pool *Pool
	name string
}

func (p *Pool) Instance(name string) *Instance {
	return &Instance{pool: p, name: name}
}

func (i *Instance) Name() string {
	return i.name
}

func (i *Instance) Run(cmd interface{}, res interface{}) error {
	return i.pool.Run(i.name, cmd, res)
}

func (i *Instance) RunHuman(cmdline string) (string, error) {
	return i.pool.RunHuman(i.name, cmdline)
}

func (i *Instance) WaitDeviceDeletedEvent(ctx context.Context, device string, after uint64) (*qmp.Event, error) {
	return i.pool.WaitDeviceDeletedEvent(i.name, ctx, device, after)
}
