//go:build !windows

package process

import "syscall"

func (p *Process) setupProcessGroup() {
	p.command.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

// Interrupt sends the interrupt signal to the whole process group.
func (p *Process) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pid == 0 {
		p.logger.Debug("[Process] No process to interrupt yet")
		return nil
	}
	p.logger.Debug("[Process] Sending signal %d to PGID: %d", p.conf.InterruptSignal, p.pid)
	return syscall.Kill(-p.pid, p.conf.InterruptSignal)
}

// Terminate sends SIGKILL to the whole process group.
func (p *Process) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pid == 0 {
		return nil
	}
	p.logger.Debug("[Process] Sending signal SIGKILL to PGID: %d", p.pid)
	return syscall.Kill(-p.pid, syscall.SIGKILL)
}

// GetPgid returns the process group of a pid.
func GetPgid(pid int) (int, error) {
	return syscall.Getpgid(pid)
}
