package scheduler

import "time"

// JobStatus is a point-in-time view of one job's loop state.
type JobStatus struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Overlap string    `json:"overlap"`
	Next    time.Time `json:"next,omitempty"`
	Running int       `json:"running"`
	Pending bool      `json:"pending"`
}

// Snapshot reports every registered job in registration order. Jobs the
// loop has not seen yet (registered after the last tick) report a zero
// Next time.
func (l *Loop) Snapshot() []JobStatus {
	defs := l.reg.List()
	out := make([]JobStatus, 0, len(defs))
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, def := range defs {
		js := JobStatus{Name: def.Name, Spec: def.Spec, Overlap: def.Overlap.String()}
		if st := l.states[def.Name]; st != nil {
			js.Next = st.next
			js.Running = st.running
			js.Pending = st.pending != nil
		}
		out = append(out, js)
	}
	return out
}
