package monitor

// CycleForCurrentSession binds a probe round to the session running
// now, to be run later.
func (m *Monitor) CycleForCurrentSession() func() CycleResult {
	s := m.current.Load()
	return func() CycleResult {
		return m.runCycle(s)
	}
}
