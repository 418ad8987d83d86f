package pool

// Pending returns the number of queued jobs not yet picked up.
func (p *Pool) Pending() int {
	return len(p.jobs)
}
